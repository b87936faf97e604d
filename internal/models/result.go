package models

import "time"

// Result lifecycle states.
const (
	ResultStatusPendingReview = "PENDING_REVIEW"
	ResultStatusPublished     = "PUBLISHED"
)

// Re-evaluation request states.
const (
	ReEvaluationStatusOpen     = "OPEN"
	ReEvaluationStatusResolved = "RESOLVED"
	ReEvaluationStatusRejected = "REJECTED"
)

// ExamResult aggregates the scores of one completed enrollment.
type ExamResult struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	EnrollmentID     uint       `gorm:"not null;uniqueIndex" json:"enrollment_id"`
	ExamID           uint       `gorm:"not null;index" json:"exam_id"`
	UserID           uint       `gorm:"not null;index" json:"user_id"`
	SessionID        uint       `gorm:"not null;index" json:"session_id"`
	TotalScore       float64    `gorm:"not null;default:0" json:"total_score"`
	MaxScore         float64    `gorm:"not null;default:0" json:"max_score"`
	Percentage       float64    `gorm:"not null;default:0" json:"percentage"`
	Passed           bool       `gorm:"not null;default:false" json:"passed"`
	IntegrityScore   *float64   `json:"integrity_score"`
	TabSwitchCount   int        `gorm:"not null;default:0" json:"tab_switch_count"`
	ProctorFlagCount int        `gorm:"not null;default:0" json:"proctor_flag_count"`
	Status           string     `gorm:"size:32;not null;default:PENDING_REVIEW" json:"status"`
	PublishedAt      *time.Time `json:"published_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ReEvaluationRequest is a candidate's challenge of one graded answer.
type ReEvaluationRequest struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ResultID        uint       `gorm:"not null;index" json:"result_id"`
	AnswerID        uint       `gorm:"not null;index" json:"answer_id"`
	UserID          uint       `gorm:"not null;index" json:"user_id"`
	Reason          string     `gorm:"type:text;not null" json:"reason"`
	Status          string     `gorm:"size:32;not null;default:OPEN" json:"status"`
	SuggestedScore  *float64   `json:"suggested_score"`
	SuggestionNotes string     `gorm:"type:text" json:"suggestion_notes"`
	ResolvedScore   *float64   `json:"resolved_score"`
	ResolvedBy      *uint      `json:"resolved_by"`
	ResolvedAt      *time.Time `json:"resolved_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AnswerScoreHistory records every manual override of an answer score.
type AnswerScoreHistory struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AnswerID      uint      `gorm:"not null;index" json:"answer_id"`
	PreviousScore *float64  `json:"previous_score"`
	Score         float64   `gorm:"not null" json:"score"`
	Reason        string    `gorm:"type:text" json:"reason"`
	GradedBy      uint      `gorm:"not null" json:"graded_by"`
	GradedAt      time.Time `gorm:"not null" json:"graded_at"`
}
