package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// Session states reported to clients.
const (
	SessionStateInProgress = "IN_PROGRESS"
	SessionStateLocked     = "LOCKED"
	SessionStatePaused     = "PAUSED"
	SessionStateCompleted  = "COMPLETED"
)

// StartSessionRequest starts the attempt of an enrollment.
type StartSessionRequest struct {
	EnrollmentID uint `json:"enrollment_id" validate:"required"`
}

// SubmitAnswerRequest carries a candidate's answer to one exam question.
type SubmitAnswerRequest struct {
	ExamQuestionID uint   `json:"exam_question_id" validate:"required"`
	Content        string `json:"content" validate:"max=20000"`
	Code           string `json:"code" validate:"max=65536"`
	Language       string `json:"language" validate:"omitempty,max=32"`
}

// ViolationRequest reports a client-detected anti-cheat event.
type ViolationRequest struct {
	Type     string                 `json:"type" validate:"required,oneof=TAB_SWITCH FOCUS_LOSS BROWSER_RESIZE"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ExtendTimeRequest shifts a session deadline forward.
type ExtendTimeRequest struct {
	Minutes int    `json:"minutes" validate:"required,min=1,max=600"`
	Reason  string `json:"reason" validate:"omitempty,max=500"`
}

// ProctorActionRequest carries optional notes for unlock, pause and resume.
type ProctorActionRequest struct {
	Notes string `json:"notes" validate:"omitempty,max=2000"`
}

// DeliveredOption is an option without its correctness flag.
type DeliveredOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DeliveredTestCase is a visible sample of a code question.
type DeliveredTestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// DeliveredQuestion is the candidate-facing view of a question: no answer keys, no
// keywords, no hidden test cases.
type DeliveredQuestion struct {
	ExamQuestionID    uint                `json:"exam_question_id"`
	Ordinal           int                 `json:"ordinal"`
	Type              string              `json:"type"`
	Content           string              `json:"content"`
	Marks             float64             `json:"marks"`
	Topic             string              `json:"topic,omitempty"`
	Options           []DeliveredOption   `json:"options,omitempty"`
	Language          string              `json:"language,omitempty"`
	SampleTestCases   []DeliveredTestCase `json:"sample_test_cases,omitempty"`
	AccessibilityHint string              `json:"accessibility_hint,omitempty"`
}

// NewDeliveredQuestion strips the answer key from a pinned question.
func NewDeliveredQuestion(question models.ExamQuestion) DeliveredQuestion {
	version := question.QuestionVersion
	delivered := DeliveredQuestion{
		ExamQuestionID:    question.ID,
		Ordinal:           question.Ordinal,
		Type:              version.Type,
		Content:           version.Content,
		Marks:             question.Marks,
		Topic:             version.Topic,
		AccessibilityHint: version.AccessibilityHint,
	}

	for _, opt := range version.OptionList() {
		delivered.Options = append(delivered.Options, DeliveredOption{ID: opt.ID, Text: opt.Text})
	}

	if version.Type == models.QuestionTypeCode {
		delivered.Language = version.Language
		for _, tc := range version.TestCaseList() {
			if tc.IsHidden {
				continue
			}
			delivered.SampleTestCases = append(delivered.SampleTestCases, DeliveredTestCase{
				Input:          tc.Input,
				ExpectedOutput: tc.ExpectedOutput,
			})
		}
	}

	return delivered
}

// SessionResponse is the client-resumable view of a session.
type SessionResponse struct {
	ID                   uint       `json:"id"`
	EnrollmentID         uint       `json:"enrollment_id"`
	ExamID               uint       `json:"exam_id"`
	UserID               uint       `json:"user_id"`
	State                string     `json:"state"`
	StartedAt            time.Time  `json:"started_at"`
	ServerDeadline       time.Time  `json:"server_deadline"`
	RemainingSeconds     int64      `json:"remaining_seconds"`
	IsPaused             bool       `json:"is_paused"`
	CurrentQuestionIndex int        `json:"current_question_index"`
	QuestionsAnswered    int        `json:"questions_answered"`
	TotalQuestions       int        `json:"total_questions"`
	TabSwitchCount       int        `json:"tab_switch_count"`
	IsLocked             bool       `json:"is_locked"`
	WaitingForProctor    bool       `json:"waiting_for_proctor"`
	LockReason           string     `json:"lock_reason,omitempty"`
	ExamEnded            bool       `json:"exam_ended"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

// StartSessionResponse returns the new session and its first question.
type StartSessionResponse struct {
	Session  SessionResponse    `json:"session"`
	Question *DeliveredQuestion `json:"question"`
}

// SubmitAnswerResponse returns the next question, or nil after the last one.
type SubmitAnswerResponse struct {
	AnswerID     uint               `json:"answer_id"`
	Session      SessionResponse    `json:"session"`
	NextQuestion *DeliveredQuestion `json:"next_question"`
	Completed    bool               `json:"completed"`
}

// ViolationResponse reports the lock state after a violation.
type ViolationResponse struct {
	Locked             bool            `json:"locked"`
	TabSwitchCount     int             `json:"tab_switch_count"`
	RemainingAllowance int             `json:"remaining_allowance"`
	Session            SessionResponse `json:"session"`
}

// QuestionMarker is the answered/unanswered marker of one question slot.
type QuestionMarker struct {
	Index          int  `json:"index"`
	ExamQuestionID uint `json:"exam_question_id,omitempty"`
	Answered       bool `json:"answered"`
	Current        bool `json:"current"`
}

// MarkersResponse lists the markers of a session.
type MarkersResponse struct {
	Markers  []QuestionMarker `json:"markers"`
	Answered int              `json:"answered"`
	Total    int              `json:"total"`
}

// ReconnectResponse rebuilds everything a client needs to resume.
type ReconnectResponse struct {
	Session         SessionResponse    `json:"session"`
	CurrentQuestion *DeliveredQuestion `json:"current_question"`
	Markers         []QuestionMarker   `json:"markers"`
}

// SessionEvent is published on the exam monitor channel.
type SessionEvent struct {
	Type       string                 `json:"type"`
	ExamID     uint                   `json:"exam_id"`
	SessionID  uint                   `json:"session_id"`
	UserID     uint                   `json:"user_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}
