package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// PublishResultsResponse summarizes a publish run.
type PublishResultsResponse struct {
	ExamID      uint      `json:"exam_id"`
	Published   int       `json:"published"`
	PublishedAt time.Time `json:"published_at"`
}

// ReEvaluationCreateRequest challenges one graded answer of a result.
type ReEvaluationCreateRequest struct {
	AnswerID uint   `json:"answer_id" validate:"required"`
	Reason   string `json:"reason" validate:"required,min=5,max=2000"`
}

// ReEvaluationResolveRequest closes a re-evaluation request.
type ReEvaluationResolveRequest struct {
	Status string   `json:"status" validate:"required,oneof=RESOLVED REJECTED"`
	Score  *float64 `json:"score" validate:"required_if=Status RESOLVED"`
	Notes  string   `json:"notes" validate:"omitempty,max=2000"`
}

// ReEvaluationResponse serializes a re-evaluation request.
type ReEvaluationResponse struct {
	ID              uint       `json:"id"`
	ResultID        uint       `json:"result_id"`
	AnswerID        uint       `json:"answer_id"`
	UserID          uint       `json:"user_id"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	SuggestedScore  *float64   `json:"suggested_score,omitempty"`
	SuggestionNotes string     `json:"suggestion_notes,omitempty"`
	ResolvedScore   *float64   `json:"resolved_score,omitempty"`
	ResolvedBy      *uint      `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewReEvaluationResponse converts a request model.
func NewReEvaluationResponse(request models.ReEvaluationRequest) ReEvaluationResponse {
	return ReEvaluationResponse{
		ID:              request.ID,
		ResultID:        request.ResultID,
		AnswerID:        request.AnswerID,
		UserID:          request.UserID,
		Reason:          request.Reason,
		Status:          request.Status,
		SuggestedScore:  request.SuggestedScore,
		SuggestionNotes: request.SuggestionNotes,
		ResolvedScore:   request.ResolvedScore,
		ResolvedBy:      request.ResolvedBy,
		ResolvedAt:      request.ResolvedAt,
		CreatedAt:       request.CreatedAt,
	}
}
