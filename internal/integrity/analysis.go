package integrity

import (
	"math"
	"sort"
	"strings"
)

const (
	minDiscriminationResults = 4
	groupFraction            = 0.27

	tooHardBelow        = 0.2
	tooEasyAbove        = 0.8
	poorDiscrimination  = 0.2
	ReasonTooHard       = "too hard"
	ReasonTooEasy       = "too easy"
	ReasonPoorSeparates = "poor discrimination"
)

// Option describes a selectable option of a question for distractor analysis.
type Option struct {
	ID        string
	Text      string
	IsCorrect bool
}

// Question is the analytics view of an exam question.
type Question struct {
	ExamQuestionID uint
	Ordinal        int
	Type           string
	Difficulty     int
	Marks          float64
	Options        []Option
}

// Outcome is one respondent's graded answer to a question.
type Outcome struct {
	Score            float64
	MaxScore         float64
	Selected         []string
	TimeTakenSeconds int64
}

// FullMarks reports whether the outcome earned at least the maximum score.
func (o Outcome) FullMarks() bool {
	return o.MaxScore > 0 && o.Score >= o.MaxScore-1e-9
}

// Respondent is one completed attempt.
type Respondent struct {
	UserID     uint
	TotalScore float64
	Answers    map[uint]Outcome
}

// OptionStat is the selection count of one option.
type OptionStat struct {
	OptionID   string  `json:"option_id"`
	Text       string  `json:"text"`
	IsCorrect  bool    `json:"is_correct"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// DifficultyIndex is the fraction of respondents scoring full marks on the question.
// Respondents without an answer count as not correct.
func DifficultyIndex(questionID uint, respondents []Respondent) float64 {
	return correctRate(questionID, respondents)
}

// DiscriminationIndex is the correct rate of the top 27% by total score minus the correct
// rate of the bottom 27%. Fewer than four respondents yield 0.
func DiscriminationIndex(questionID uint, respondents []Respondent) float64 {
	n := len(respondents)
	if n < minDiscriminationResults {
		return 0
	}

	ranked := append([]Respondent{}, respondents...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].TotalScore > ranked[j].TotalScore })

	size := int(math.Floor(float64(n) * groupFraction))
	if size < 1 {
		size = 1
	}

	top := ranked[:size]
	bottom := ranked[n-size:]
	return correctRate(questionID, top) - correctRate(questionID, bottom)
}

// HasDiscriminationSample reports whether n respondents are enough for a discrimination index.
func HasDiscriminationSample(n int) bool {
	return n >= minDiscriminationResults
}

// DistractorAnalysis counts option selections among respondents who answered the question.
func DistractorAnalysis(question Question, respondents []Respondent) []OptionStat {
	if len(question.Options) == 0 {
		return nil
	}

	counts := make(map[string]int, len(question.Options))
	answered := 0
	for _, respondent := range respondents {
		outcome, ok := respondent.Answers[question.ExamQuestionID]
		if !ok {
			continue
		}
		answered++
		for _, id := range outcome.Selected {
			counts[id]++
		}
	}

	stats := make([]OptionStat, 0, len(question.Options))
	for _, opt := range question.Options {
		stat := OptionStat{
			OptionID:  opt.ID,
			Text:      opt.Text,
			IsCorrect: opt.IsCorrect,
			Count:     counts[opt.ID],
		}
		if answered > 0 {
			stat.Percentage = round2(float64(stat.Count) / float64(answered) * 100)
		}
		stats = append(stats, stat)
	}
	return stats
}

// FlagReasons returns the review reasons for a question, empty when none apply.
func FlagReasons(difficulty, discrimination float64) []string {
	reasons := []string{}
	if difficulty < tooHardBelow {
		reasons = append(reasons, ReasonTooHard)
	}
	if difficulty > tooEasyAbove {
		reasons = append(reasons, ReasonTooEasy)
	}
	if discrimination < poorDiscrimination {
		reasons = append(reasons, ReasonPoorSeparates)
	}
	return reasons
}

// JoinReasons concatenates reasons for display.
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}

func correctRate(questionID uint, respondents []Respondent) float64 {
	if len(respondents) == 0 {
		return 0
	}
	correct := 0
	for _, respondent := range respondents {
		if outcome, ok := respondent.Answers[questionID]; ok && outcome.FullMarks() {
			correct++
		}
	}
	return float64(correct) / float64(len(respondents))
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
