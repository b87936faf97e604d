package grading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/sandbox"
	"github.com/noah-isme/gema-exam-engine/pkg/similarity"
)

// Result is the outcome of grading one answer. Grading never fails: an ungradeable answer is
// worth zero and Details["note"] explains why. The exception is Unavailable, set when the
// sandbox itself could not run the code; such a result carries no score and must not be
// stored as a grade.
type Result struct {
	Score           float64                `json:"score"`
	MaxScore        float64                `json:"max_score"`
	IsPartialCredit bool                   `json:"is_partial_credit"`
	Details         map[string]interface{} `json:"details"`
	Unavailable     bool                   `json:"-"`
}

// IsCorrect reports full marks.
func (r Result) IsCorrect() bool {
	return r.MaxScore > 0 && r.Score >= r.MaxScore-1e-9
}

// Engine grades answers by question type.
type Engine struct {
	runner    sandbox.Runner
	threshold float64
	logger    zerolog.Logger
}

// NewEngine constructs an engine. runner may be nil when code questions are never graded
// by this instance.
func NewEngine(runner sandbox.Runner, similarityThreshold float64, logger zerolog.Logger) *Engine {
	if similarityThreshold <= 0 || similarityThreshold > 1 {
		similarityThreshold = 0.8
	}
	return &Engine{
		runner:    runner,
		threshold: similarityThreshold,
		logger:    logger.With().Str("component", "grading_engine").Logger(),
	}
}

// Grade dispatches on the answer key variant.
func (e *Engine) Grade(ctx context.Context, key AnswerKey, submission Submission, marks float64) Result {
	if marks < 0 {
		marks = 0
	}

	switch k := key.(type) {
	case MCQKey:
		return gradeMCQ(k, submission, marks)
	case MultiSelectKey:
		return gradeMultiSelect(k, submission, marks)
	case FillBlankKey:
		return gradeFillBlank(k, submission, marks)
	case ShortAnswerKey:
		return gradeShortAnswer(k, submission, marks, e.threshold)
	case CodeKey:
		return e.gradeCode(ctx, k, submission, marks)
	default:
		return zero(marks, "unsupported question type")
	}
}

// RequiresSandbox reports whether grading the key runs untrusted code.
func RequiresSandbox(key AnswerKey) bool {
	_, ok := key.(CodeKey)
	return ok
}

func gradeMCQ(key MCQKey, submission Submission, marks float64) Result {
	selected := strings.TrimSpace(submission.Content)
	if ids := submission.SelectedOptions(); len(ids) == 1 {
		selected = ids[0]
	}

	correctID := ""
	for _, opt := range key.Options {
		if opt.IsCorrect {
			correctID = opt.ID
			break
		}
	}
	if correctID == "" {
		return zero(marks, "answer key has no correct option")
	}

	score := 0.0
	if selected != "" && selected == correctID {
		score = marks
	}

	return Result{
		Score:    score,
		MaxScore: marks,
		Details: map[string]interface{}{
			"selected_option": selected,
			"correct":         score == marks,
		},
	}
}

func gradeMultiSelect(key MultiSelectKey, submission Submission, marks float64) Result {
	correct := make(map[string]struct{})
	for _, opt := range key.Options {
		if opt.IsCorrect {
			correct[opt.ID] = struct{}{}
		}
	}
	if len(correct) == 0 {
		return zero(marks, "answer key has no correct option")
	}

	selected := submission.SelectedOptions()
	correctSelected, wrongSelected := 0, 0
	for _, id := range selected {
		if _, ok := correct[id]; ok {
			correctSelected++
		} else {
			wrongSelected++
		}
	}

	net := math.Max(0, float64(correctSelected-wrongSelected))
	score := round2(marks * net / float64(len(correct)))

	return Result{
		Score:           score,
		MaxScore:        marks,
		IsPartialCredit: score > 0 && score < marks,
		Details: map[string]interface{}{
			"selected_options": selected,
			"correct_selected": correctSelected,
			"wrong_selected":   wrongSelected,
			"total_correct":    len(correct),
		},
	}
}

func gradeFillBlank(key FillBlankKey, submission Submission, marks float64) Result {
	matched := strings.EqualFold(strings.TrimSpace(submission.Content), strings.TrimSpace(key.Correct))
	score := 0.0
	if matched && strings.TrimSpace(key.Correct) != "" {
		score = marks
	}
	return Result{
		Score:    score,
		MaxScore: marks,
		Details: map[string]interface{}{
			"matched": score == marks && marks > 0,
		},
	}
}

func gradeShortAnswer(key ShortAnswerKey, submission Submission, marks, threshold float64) Result {
	if len(key.Keywords) == 0 {
		return zero(marks, "answer key has no keywords")
	}

	match := similarity.MatchKeywords(submission.Content, key.Keywords, threshold)
	score := 0.0
	if match.TotalWeight > 0 {
		score = round2(marks * match.MatchedWeight / match.TotalWeight)
	}

	return Result{
		Score:           score,
		MaxScore:        marks,
		IsPartialCredit: score > 0 && score < marks,
		Details: map[string]interface{}{
			"matched_keywords":     match.Matched,
			"unmatched_keywords":   match.Unmatched,
			"matched_weight":       match.MatchedWeight,
			"total_weight":         match.TotalWeight,
			"similarity_threshold": threshold,
		},
	}
}

func (e *Engine) gradeCode(ctx context.Context, key CodeKey, submission Submission, marks float64) Result {
	if e.runner == nil {
		return zero(marks, "code runner unavailable")
	}
	if strings.TrimSpace(submission.Code) == "" {
		return zero(marks, "no code submitted")
	}
	if len(key.TestCases) == 0 {
		return zero(marks, "answer key has no test cases")
	}

	language := key.Language
	if strings.TrimSpace(submission.Language) != "" {
		language = submission.Language
	}

	report, err := e.runner.Execute(ctx, submission.Code, language, key.TestCases)
	if errors.Is(err, sandbox.ErrExecution) {
		e.logger.Error().Err(err).Str("language", language).Msg("sandbox unavailable, answer left ungraded")
		return Result{
			MaxScore:    marks,
			Details:     map[string]interface{}{"note": "sandbox unavailable"},
			Unavailable: true,
		}
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("language", language).Msg("code execution failed")
		result := zero(marks, fmt.Sprintf("execution error: %v", err))
		result.Details["execution_error"] = true
		return result
	}

	if report.CompilationError != "" {
		result := zero(marks, "compilation failed")
		result.Details["compilation_error"] = report.CompilationError
		result.Details["report"] = report
		return result
	}

	score := 0.0
	if report.TotalTests > 0 {
		score = round2(marks * float64(report.TotalPassed) / float64(report.TotalTests))
	}

	return Result{
		Score:           score,
		MaxScore:        marks,
		IsPartialCredit: score > 0 && score < marks,
		Details: map[string]interface{}{
			"tests_passed": report.TotalPassed,
			"tests_total":  report.TotalTests,
			"report":       report,
		},
	}
}

func zero(marks float64, note string) Result {
	return Result{
		Score:    0,
		MaxScore: marks,
		Details:  map[string]interface{}{"note": note},
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
