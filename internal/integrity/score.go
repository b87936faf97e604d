package integrity

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/noah-isme/gema-exam-engine/pkg/similarity"
)

const (
	baseScore              = 100.0
	severityPenalty        = 5.0
	timingAnomalyPenalty   = 8.0
	tabSwitchPenalty       = 6.0
	maxCollusionPenalty    = 30.0
	anomalyMinDifficulty   = 7
	anomalyMaxAnswerSecond = 5
)

// Inputs are the per-candidate signals of the integrity score.
type Inputs struct {
	FlagSeverity     float64
	TimingAnomalies  int
	TabSwitches      int
	Collusion        float64
	CollusionFlagged bool
}

// Breakdown explains each deduction.
type Breakdown struct {
	Score            float64 `json:"score"`
	FlagPenalty      float64 `json:"flag_penalty"`
	TimingPenalty    float64 `json:"timing_penalty"`
	TabSwitchPenalty float64 `json:"tab_switch_penalty"`
	CollusionPenalty float64 `json:"collusion_penalty"`
}

// Score computes the heuristic 0-100 integrity score. The collusion deduction applies only
// when the similarity was flagged against the configured threshold.
func Score(in Inputs) Breakdown {
	breakdown := Breakdown{
		FlagPenalty:      severityPenalty * math.Max(0, in.FlagSeverity),
		TimingPenalty:    timingAnomalyPenalty * float64(in.TimingAnomalies),
		TabSwitchPenalty: tabSwitchPenalty * float64(in.TabSwitches),
	}
	if in.CollusionFlagged {
		breakdown.CollusionPenalty = math.Min(maxCollusionPenalty, maxCollusionPenalty*math.Max(0, in.Collusion))
	}

	score := baseScore - breakdown.FlagPenalty - breakdown.TimingPenalty - breakdown.TabSwitchPenalty - breakdown.CollusionPenalty
	breakdown.Score = round2(math.Max(0, score))
	return breakdown
}

// TimingAnomalies counts hard questions (difficulty >= 7) answered in under five seconds.
func TimingAnomalies(questions []Question, answers map[uint]Outcome) int {
	count := 0
	for _, q := range questions {
		if q.Difficulty < anomalyMinDifficulty {
			continue
		}
		outcome, ok := answers[q.ExamQuestionID]
		if ok && outcome.TimeTakenSeconds < anomalyMaxAnswerSecond {
			count++
		}
	}
	return count
}

// CollusionResult is the strongest answer-pattern similarity to any peer.
type CollusionResult struct {
	Similarity float64 `json:"similarity"`
	PeerUserID uint    `json:"peer_user_id,omitempty"`
	Flagged    bool    `json:"flagged"`
}

// Collusion compares the candidate's per-question score-ratio vector, centred on the cohort
// mean of each question, with every peer's and returns the maximum cosine similarity.
func Collusion(candidateID uint, questions []Question, respondents []Respondent, threshold float64) CollusionResult {
	if len(questions) == 0 || len(respondents) < 2 {
		return CollusionResult{}
	}

	vectors := make(map[uint][]float64, len(respondents))
	for _, r := range respondents {
		vectors[r.UserID] = ratioVector(questions, r)
	}

	means := make([]float64, len(questions))
	column := make([]float64, 0, len(respondents))
	for i := range questions {
		column = column[:0]
		for _, r := range respondents {
			column = append(column, vectors[r.UserID][i])
		}
		means[i] = stat.Mean(column, nil)
	}

	centred := func(v []float64) []float64 {
		out := make([]float64, len(v))
		for i := range v {
			out[i] = v[i] - means[i]
		}
		return out
	}

	candidate, ok := vectors[candidateID]
	if !ok {
		return CollusionResult{}
	}
	candidateCentred := centred(candidate)

	result := CollusionResult{}
	for _, peer := range respondents {
		if peer.UserID == candidateID {
			continue
		}
		sim := similarity.Cosine(candidateCentred, centred(vectors[peer.UserID]))
		if sim > result.Similarity {
			result.Similarity = sim
			result.PeerUserID = peer.UserID
		}
	}
	result.Flagged = threshold > 0 && result.Similarity > threshold
	result.Similarity = round2(result.Similarity)
	return result
}

func ratioVector(questions []Question, respondent Respondent) []float64 {
	vector := make([]float64, len(questions))
	for i, q := range questions {
		outcome, ok := respondent.Answers[q.ExamQuestionID]
		if !ok || outcome.MaxScore <= 0 {
			continue
		}
		vector[i] = outcome.Score / outcome.MaxScore
	}
	return vector
}
