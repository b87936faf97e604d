package models

import (
	"time"

	"gorm.io/datatypes"
)

// Violation types reported by the client.
const (
	ViolationTabSwitch     = "TAB_SWITCH"
	ViolationFocusLoss     = "FOCUS_LOSS"
	ViolationBrowserResize = "BROWSER_RESIZE"
)

// Proctor flag types.
const (
	FlagExcessiveTabSwitches = "EXCESSIVE_TAB_SWITCHES"
	FlagNoFace               = "NO_FACE"
	FlagMultipleFaces        = "MULTIPLE_FACES"
	FlagProlongedAbsence     = "PROLONGED_ABSENCE"
	FlagManual               = "MANUAL"
)

// Proctor flag review states.
const (
	FlagStatusPending   = "PENDING"
	FlagStatusApproved  = "APPROVED"
	FlagStatusRejected  = "REJECTED"
	FlagStatusEscalated = "ESCALATED"
)

// ExamSession is the live, timed runtime instance of one enrollment's attempt.
type ExamSession struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	EnrollmentID         uint           `gorm:"not null;uniqueIndex" json:"enrollment_id"`
	ExamID               uint           `gorm:"not null;index" json:"exam_id"`
	UserID               uint           `gorm:"not null;index" json:"user_id"`
	StartedAt            time.Time      `gorm:"not null" json:"started_at"`
	ServerDeadline       time.Time      `gorm:"not null" json:"server_deadline"`
	TotalPausedSeconds   int64          `gorm:"not null;default:0" json:"total_paused_seconds"`
	PausedAt             *time.Time     `json:"paused_at"`
	CurrentQuestionIndex int            `gorm:"not null;default:0" json:"current_question_index"`
	QuestionsAnswered    int            `gorm:"not null;default:0" json:"questions_answered"`
	CorrectAnswers       int            `gorm:"not null;default:0" json:"correct_answers"`
	RunningAccuracy      float64        `gorm:"not null;default:0" json:"running_accuracy"`
	TabSwitchCount       int            `gorm:"not null;default:0" json:"tab_switch_count"`
	IsLocked             bool           `gorm:"not null;default:false" json:"is_locked"`
	LockedAt             *time.Time     `json:"locked_at"`
	LockReason           string         `gorm:"size:255" json:"lock_reason"`
	ProctorUnlockedAt    *time.Time     `json:"proctor_unlocked_at"`
	FinishedAt           *time.Time     `json:"finished_at"`
	LastAnsweredAt       *time.Time     `json:"last_answered_at"`
	AdaptiveState        datatypes.JSON `gorm:"type:json" json:"-"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// IsFinished reports whether the session reached its terminal state.
func (s ExamSession) IsFinished() bool {
	return s.FinishedAt != nil
}

// CandidateAnswer is the single answer of a session to one exam question.
type CandidateAnswer struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	SessionID        uint           `gorm:"not null;uniqueIndex:idx_answer_session_question" json:"session_id"`
	ExamQuestionID   uint           `gorm:"not null;uniqueIndex:idx_answer_session_question" json:"exam_question_id"`
	AnswerContent    string         `gorm:"type:text" json:"answer_content"`
	CodeSubmission   string         `gorm:"type:text" json:"code_submission"`
	Language         string         `gorm:"size:32" json:"language"`
	TimeTakenSeconds int64          `gorm:"not null;default:0" json:"time_taken_seconds"`
	AutoScore        *float64       `json:"auto_score"`
	ManualScore      *float64       `json:"manual_score"`
	FinalScore       *float64       `json:"final_score"`
	MaxMarks         float64        `gorm:"not null;default:0" json:"max_marks"`
	IsCorrect        bool           `gorm:"not null;default:false" json:"is_correct"`
	IsGraded         bool           `gorm:"not null;default:false" json:"is_graded"`
	GradingDetails   datatypes.JSON `gorm:"type:json" json:"grading_details"`
	AnsweredAt       time.Time      `gorm:"not null" json:"answered_at"`
	GradedAt         *time.Time     `json:"graded_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ExamQuestion     ExamQuestion   `gorm:"foreignKey:ExamQuestionID;references:ID" json:"-"`
}

// Score returns the final score, or zero when ungraded.
func (a CandidateAnswer) Score() float64 {
	if a.FinalScore == nil {
		return 0
	}
	return *a.FinalScore
}

// ViolationLog is an append-only record of an anti-cheat event.
type ViolationLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	SessionID  uint              `gorm:"not null;index" json:"session_id"`
	Type       string            `gorm:"size:32;not null" json:"type"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	OccurredAt time.Time         `gorm:"not null" json:"occurred_at"`
}

// ProctorFlag is a derived alert awaiting human review.
type ProctorFlag struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	SessionID   uint       `gorm:"not null;index" json:"session_id"`
	ExamID      uint       `gorm:"not null;index" json:"exam_id"`
	UserID      uint       `gorm:"not null;index" json:"user_id"`
	Type        string     `gorm:"size:32;not null" json:"type"`
	Severity    float64    `gorm:"not null;default:1" json:"severity"`
	Status      string     `gorm:"size:32;not null;default:PENDING" json:"status"`
	Description string     `gorm:"type:text" json:"description"`
	EvidenceURL string     `gorm:"size:512" json:"evidence_url"`
	ReviewerID  *uint      `json:"reviewer_id"`
	ReviewNotes string     `gorm:"type:text" json:"review_notes"`
	ReviewedAt  *time.Time `json:"reviewed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
