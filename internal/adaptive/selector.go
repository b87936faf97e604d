package adaptive

import (
	"encoding/json"
	"sort"
)

const (
	recentWindow  = 3
	raiseAccuracy = 0.7
	lowerAccuracy = 0.4
)

// Item is a deliverable question of an exam pool.
type Item struct {
	ExamQuestionID uint   `json:"exam_question_id"`
	Ordinal        int    `json:"ordinal"`
	Difficulty     int    `json:"difficulty"`
	Topic          string `json:"topic"`
}

// TopicStats counts served and correctly answered questions of a topic.
type TopicStats struct {
	Served  int `json:"served"`
	Correct int `json:"correct"`
}

// State is the serializable adaptive state persisted with a session.
type State struct {
	CurrentDifficulty int                   `json:"current_difficulty"`
	TopicAccuracy     map[string]TopicStats `json:"topic_accuracy"`
	QuestionsServed   []uint                `json:"questions_served"`
	RunningAccuracy   float64               `json:"running_accuracy"`
	RecentResults     []bool                `json:"recent_results"`
	Answered          int                   `json:"answered"`
	Correct           int                   `json:"correct"`
}

// Sequential returns the item at index in ordinal order, or nil past the end.
func Sequential(pool []Item, index int) *Item {
	ordered := sortedByOrdinal(pool)
	if index < 0 || index >= len(ordered) {
		return nil
	}
	item := ordered[index]
	return &item
}

// NewState starts at the median difficulty of the pool.
func NewState(pool []Item) State {
	state := State{
		TopicAccuracy:   map[string]TopicStats{},
		QuestionsServed: []uint{},
		RecentResults:   []bool{},
	}
	if len(pool) == 0 {
		return state
	}

	difficulties := make([]int, 0, len(pool))
	for _, item := range pool {
		difficulties = append(difficulties, item.Difficulty)
	}
	sort.Ints(difficulties)
	state.CurrentDifficulty = difficulties[(len(difficulties)-1)/2]
	return state
}

// Decode rehydrates a persisted state. An empty payload yields a fresh state for the pool.
func Decode(raw []byte, pool []Item) (State, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewState(pool), nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, err
	}
	if state.TopicAccuracy == nil {
		state.TopicAccuracy = map[string]TopicStats{}
	}
	return state, nil
}

// Encode serializes the state.
func (s State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// HasServed reports whether the question was already delivered in this session.
func (s State) HasServed(examQuestionID uint) bool {
	for _, id := range s.QuestionsServed {
		if id == examQuestionID {
			return true
		}
	}
	return false
}

// LastServed returns the most recently delivered question id.
func (s State) LastServed() (uint, bool) {
	if len(s.QuestionsServed) == 0 {
		return 0, false
	}
	return s.QuestionsServed[len(s.QuestionsServed)-1], true
}

// MarkServed records a delivery.
func MarkServed(state State, item Item) State {
	next := state.clone()
	if next.HasServed(item.ExamQuestionID) {
		return next
	}
	next.QuestionsServed = append(next.QuestionsServed, item.ExamQuestionID)
	stats := next.TopicAccuracy[item.Topic]
	stats.Served++
	next.TopicAccuracy[item.Topic] = stats
	return next
}

// Record folds an answer outcome into the state.
func Record(state State, item Item, correct bool) State {
	next := state.clone()
	next.Answered++
	if correct {
		next.Correct++
		stats := next.TopicAccuracy[item.Topic]
		stats.Correct++
		next.TopicAccuracy[item.Topic] = stats
	}
	next.RunningAccuracy = float64(next.Correct) / float64(next.Answered)

	next.RecentResults = append(next.RecentResults, correct)
	if len(next.RecentResults) > recentWindow {
		next.RecentResults = next.RecentResults[len(next.RecentResults)-recentWindow:]
	}
	return next
}

// Adjust nudges the target difficulty from recent accuracy, clamped to the pool's range.
func Adjust(state State, pool []Item) State {
	next := state.clone()
	if len(next.RecentResults) == 0 || len(pool) == 0 {
		return next
	}

	correct := 0
	for _, ok := range next.RecentResults {
		if ok {
			correct++
		}
	}
	recent := float64(correct) / float64(len(next.RecentResults))

	switch {
	case recent >= raiseAccuracy:
		next.CurrentDifficulty++
	case recent <= lowerAccuracy:
		next.CurrentDifficulty--
	}

	low, high := difficultyRange(pool)
	if next.CurrentDifficulty < low {
		next.CurrentDifficulty = low
	}
	if next.CurrentDifficulty > high {
		next.CurrentDifficulty = high
	}
	return next
}

// Next picks the unserved item closest to the target difficulty, then the least served
// topic, then the lowest ordinal. Nil when the pool is exhausted.
func Next(state State, pool []Item) *Item {
	var best *Item
	for i := range pool {
		candidate := pool[i]
		if state.HasServed(candidate.ExamQuestionID) {
			continue
		}
		if best == nil || better(state, candidate, *best) {
			picked := candidate
			best = &picked
		}
	}
	return best
}

func better(state State, a, b Item) bool {
	da := abs(a.Difficulty - state.CurrentDifficulty)
	db := abs(b.Difficulty - state.CurrentDifficulty)
	if da != db {
		return da < db
	}
	sa := state.TopicAccuracy[a.Topic].Served
	sb := state.TopicAccuracy[b.Topic].Served
	if sa != sb {
		return sa < sb
	}
	return a.Ordinal < b.Ordinal
}

func (s State) clone() State {
	next := s
	next.TopicAccuracy = make(map[string]TopicStats, len(s.TopicAccuracy))
	for topic, stats := range s.TopicAccuracy {
		next.TopicAccuracy[topic] = stats
	}
	next.QuestionsServed = append([]uint{}, s.QuestionsServed...)
	next.RecentResults = append([]bool{}, s.RecentResults...)
	return next
}

func difficultyRange(pool []Item) (int, int) {
	low, high := pool[0].Difficulty, pool[0].Difficulty
	for _, item := range pool[1:] {
		if item.Difficulty < low {
			low = item.Difficulty
		}
		if item.Difficulty > high {
			high = item.Difficulty
		}
	}
	return low, high
}

func sortedByOrdinal(pool []Item) []Item {
	ordered := append([]Item{}, pool...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })
	return ordered
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
