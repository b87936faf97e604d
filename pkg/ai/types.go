package ai

import "context"

// Verdicts an evaluator may return on a challenged score.
const (
	VerdictUphold = "uphold"
	VerdictRaise  = "raise"
	VerdictLower  = "lower"
)

// EvaluationInput contains the artefacts needed to review a challenged answer.
type EvaluationInput struct {
	QuestionType    string
	Question        string
	ReferenceAnswer string
	Language        string
	CandidateAnswer string
	ExecutionReport string
	AutoScore       float64
	MaxScore        float64
	ChallengeReason string
}

// AutoFraction is the automatic score as a fraction of the maximum.
func (in EvaluationInput) AutoFraction() float64 {
	if in.MaxScore <= 0 {
		return 0
	}
	return in.AutoScore / in.MaxScore
}

// EvaluationResult is the advisory second opinion. Score is a fraction of the maximum in [0,1].
type EvaluationResult struct {
	Score      float64                `json:"score"`
	Feedback   string                 `json:"feedback"`
	Verdict    string                 `json:"verdict"`
	Details    map[string]interface{} `json:"details,omitempty"`
	TokensUsed int                    `json:"tokens_used,omitempty"`
}

// Evaluator reviews free-text and code answers whose score a candidate challenged.
type Evaluator interface {
	Evaluate(ctx context.Context, input EvaluationInput) (EvaluationResult, error)
}
