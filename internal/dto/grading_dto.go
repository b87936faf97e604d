package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// OverrideScoreRequest sets the manual score of an answer.
type OverrideScoreRequest struct {
	Score  *float64 `json:"score" validate:"required"`
	Reason string   `json:"reason" validate:"omitempty,max=2000"`
}

// AnswerGradeResponse is the graded view of one answer.
type AnswerGradeResponse struct {
	ID               uint                   `json:"id"`
	SessionID        uint                   `json:"session_id"`
	ExamQuestionID   uint                   `json:"exam_question_id"`
	TimeTakenSeconds int64                  `json:"time_taken_seconds"`
	AutoScore        *float64               `json:"auto_score"`
	ManualScore      *float64               `json:"manual_score"`
	FinalScore       *float64               `json:"final_score"`
	MaxMarks         float64                `json:"max_marks"`
	IsCorrect        bool                   `json:"is_correct"`
	IsGraded         bool                   `json:"is_graded"`
	GradingDetails   map[string]interface{} `json:"grading_details,omitempty"`
	GradedAt         *time.Time             `json:"graded_at"`
}

// NewAnswerGradeResponse converts an answer model. Details are passed separately so callers
// can redact them first.
func NewAnswerGradeResponse(answer models.CandidateAnswer, details map[string]interface{}) AnswerGradeResponse {
	return AnswerGradeResponse{
		ID:               answer.ID,
		SessionID:        answer.SessionID,
		ExamQuestionID:   answer.ExamQuestionID,
		TimeTakenSeconds: answer.TimeTakenSeconds,
		AutoScore:        answer.AutoScore,
		ManualScore:      answer.ManualScore,
		FinalScore:       answer.FinalScore,
		MaxMarks:         answer.MaxMarks,
		IsCorrect:        answer.IsCorrect,
		IsGraded:         answer.IsGraded,
		GradingDetails:   details,
		GradedAt:         answer.GradedAt,
	}
}

// DecodeDetails unmarshals stored grading details.
func DecodeDetails(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	details := map[string]interface{}{}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil
	}
	return details
}

// ResultResponse serializes an exam result.
type ResultResponse struct {
	ID               uint       `json:"id"`
	EnrollmentID     uint       `json:"enrollment_id"`
	ExamID           uint       `json:"exam_id"`
	UserID           uint       `json:"user_id"`
	SessionID        uint       `json:"session_id"`
	TotalScore       float64    `json:"total_score"`
	MaxScore         float64    `json:"max_score"`
	Percentage       float64    `json:"percentage"`
	Passed           bool       `json:"passed"`
	IntegrityScore   *float64   `json:"integrity_score"`
	TabSwitchCount   int        `json:"tab_switch_count"`
	ProctorFlagCount int        `json:"proctor_flag_count"`
	Status           string     `json:"status"`
	PublishedAt      *time.Time `json:"published_at"`
}

// NewResultResponse converts a result model.
func NewResultResponse(result models.ExamResult) ResultResponse {
	return ResultResponse{
		ID:               result.ID,
		EnrollmentID:     result.EnrollmentID,
		ExamID:           result.ExamID,
		UserID:           result.UserID,
		SessionID:        result.SessionID,
		TotalScore:       result.TotalScore,
		MaxScore:         result.MaxScore,
		Percentage:       result.Percentage,
		Passed:           result.Passed,
		IntegrityScore:   result.IntegrityScore,
		TabSwitchCount:   result.TabSwitchCount,
		ProctorFlagCount: result.ProctorFlagCount,
		Status:           result.Status,
		PublishedAt:      result.PublishedAt,
	}
}

// SessionGradeResponse summarizes an auto-grading run.
type SessionGradeResponse struct {
	SessionID    uint                  `json:"session_id"`
	NewlyGraded  int                   `json:"newly_graded"`
	PendingCount int                   `json:"pending_count"`
	Result       ResultResponse        `json:"result"`
	Answers      []AnswerGradeResponse `json:"answers"`
}

// ScoreHistoryResponse is one manual override of an answer score.
type ScoreHistoryResponse struct {
	ID            uint      `json:"id"`
	AnswerID      uint      `json:"answer_id"`
	PreviousScore *float64  `json:"previous_score"`
	Score         float64   `json:"score"`
	Reason        string    `json:"reason,omitempty"`
	GradedBy      uint      `json:"graded_by"`
	GradedAt      time.Time `json:"graded_at"`
}

// NewScoreHistoryResponse converts a history row.
func NewScoreHistoryResponse(entry models.AnswerScoreHistory) ScoreHistoryResponse {
	return ScoreHistoryResponse{
		ID:            entry.ID,
		AnswerID:      entry.AnswerID,
		PreviousScore: entry.PreviousScore,
		Score:         entry.Score,
		Reason:        entry.Reason,
		GradedBy:      entry.GradedBy,
		GradedAt:      entry.GradedAt,
	}
}
