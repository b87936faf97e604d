package dto

import (
	"io"
	"time"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// RaiseFlagRequest reports an external proctoring signal.
type RaiseFlagRequest struct {
	Type           string  `json:"type" form:"type" validate:"required,oneof=NO_FACE MULTIPLE_FACES PROLONGED_ABSENCE MANUAL"`
	Severity       float64 `json:"severity" form:"severity" validate:"gte=0,lte=10"`
	Description    string  `json:"description" form:"description" validate:"omitempty,max=2000"`
	AbsenceSeconds int     `json:"absence_seconds" form:"absence_seconds" validate:"gte=0"`
}

// EvidenceUpload is an optional evidence image attached to a flag.
type EvidenceUpload struct {
	Filename string
	Size     int64
	Reader   io.Reader
}

// ReviewFlagRequest records a reviewer decision.
type ReviewFlagRequest struct {
	Status string `json:"status" validate:"required,oneof=APPROVED REJECTED ESCALATED"`
	Notes  string `json:"notes" validate:"omitempty,max=4000"`
}

// ProctorFlagResponse serializes a proctor flag.
type ProctorFlagResponse struct {
	ID          uint       `json:"id"`
	SessionID   uint       `json:"session_id"`
	ExamID      uint       `json:"exam_id"`
	UserID      uint       `json:"user_id"`
	Type        string     `json:"type"`
	Severity    float64    `json:"severity"`
	Status      string     `json:"status"`
	Description string     `json:"description,omitempty"`
	EvidenceURL string     `json:"evidence_url,omitempty"`
	ReviewerID  *uint      `json:"reviewer_id,omitempty"`
	ReviewNotes string     `json:"review_notes,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewProctorFlagResponse converts a flag model.
func NewProctorFlagResponse(flag models.ProctorFlag) ProctorFlagResponse {
	return ProctorFlagResponse{
		ID:          flag.ID,
		SessionID:   flag.SessionID,
		ExamID:      flag.ExamID,
		UserID:      flag.UserID,
		Type:        flag.Type,
		Severity:    flag.Severity,
		Status:      flag.Status,
		Description: flag.Description,
		EvidenceURL: flag.EvidenceURL,
		ReviewerID:  flag.ReviewerID,
		ReviewNotes: flag.ReviewNotes,
		ReviewedAt:  flag.ReviewedAt,
		CreatedAt:   flag.CreatedAt,
	}
}

// ProctorFlagListRequest narrows flag listings.
type ProctorFlagListRequest struct {
	ExamID   uint
	Status   string
	Page     int
	PageSize int
}

// ProctorFlagListResponse wraps paginated flags.
type ProctorFlagListResponse struct {
	Items      []ProctorFlagResponse `json:"items"`
	Pagination PaginationMeta        `json:"pagination"`
}
