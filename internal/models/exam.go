package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Exam lifecycle states.
const (
	ExamStatusDraft      = "DRAFT"
	ExamStatusScheduled  = "SCHEDULED"
	ExamStatusInProgress = "IN_PROGRESS"
	ExamStatusCompleted  = "COMPLETED"
)

// Enrollment lifecycle states.
const (
	EnrollmentStatusEnrolled   = "ENROLLED"
	EnrollmentStatusInProgress = "IN_PROGRESS"
	EnrollmentStatusCompleted  = "COMPLETED"
)

// Question types.
const (
	QuestionTypeMCQ         = "MCQ"
	QuestionTypeMultiSelect = "MULTI_SELECT"
	QuestionTypeFillBlank   = "FILL_BLANK"
	QuestionTypeShortAnswer = "SHORT_ANSWER"
	QuestionTypeCode        = "CODE"
)

// Exam is a scheduled assessment with a fixed, version-pinned question list.
type Exam struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Title              string         `gorm:"size:255;not null" json:"title"`
	Status             string         `gorm:"size:32;not null;default:DRAFT" json:"status"`
	ScheduledStartTime time.Time      `gorm:"not null" json:"scheduled_start_time"`
	ScheduledEndTime   time.Time      `gorm:"not null" json:"scheduled_end_time"`
	DurationMinutes    int            `gorm:"not null" json:"duration_minutes"`
	PassPercentage     float64        `gorm:"not null;default:50" json:"pass_percentage"`
	IsAdaptive         bool           `gorm:"not null;default:false" json:"is_adaptive"`
	MaxTabSwitches     int            `gorm:"not null;default:0" json:"max_tab_switches"`
	ResultsPublishedAt *time.Time     `json:"results_published_at"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Questions          []ExamQuestion `gorm:"foreignKey:ExamID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions,omitempty"`
}

// WithinWindow reports whether t falls inside the scheduled window, bounds included.
func (e Exam) WithinWindow(t time.Time) bool {
	return !t.Before(e.ScheduledStartTime) && !t.After(e.ScheduledEndTime)
}

// ExamQuestion pins a question version to an exam at an ordinal position.
type ExamQuestion struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	ExamID            uint            `gorm:"not null;index;uniqueIndex:idx_exam_question_ordinal" json:"exam_id"`
	QuestionVersionID uint            `gorm:"not null" json:"question_version_id"`
	Ordinal           int             `gorm:"not null;uniqueIndex:idx_exam_question_ordinal" json:"ordinal"`
	Marks             float64         `gorm:"not null;default:1" json:"marks"`
	QuestionVersion   QuestionVersion `gorm:"foreignKey:QuestionVersionID;references:ID" json:"question_version"`
}

// QuestionOption is a selectable choice of an MCQ or multi-select question.
type QuestionOption struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// QuestionKeyword is a weighted keyword of a short-answer question.
type QuestionKeyword struct {
	Keyword string  `json:"keyword"`
	Weight  float64 `json:"weight"`
}

// QuestionTestCase is a stdin/stdout pair of a code question.
type QuestionTestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}

// QuestionVersion is an immutable snapshot of a question at a version number.
type QuestionVersion struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	QuestionID        uint           `gorm:"not null;uniqueIndex:idx_question_version" json:"question_id"`
	Version           int            `gorm:"not null;uniqueIndex:idx_question_version" json:"version"`
	Type              string         `gorm:"size:32;not null" json:"type"`
	Content           string         `gorm:"type:text;not null" json:"content"`
	Options           datatypes.JSON `gorm:"type:json" json:"-"`
	CorrectAnswer     string         `gorm:"type:text" json:"-"`
	Keywords          datatypes.JSON `gorm:"type:json" json:"-"`
	TestCases         datatypes.JSON `gorm:"type:json" json:"-"`
	Language          string         `gorm:"size:32" json:"language"`
	Difficulty        int            `gorm:"not null;default:5" json:"difficulty"`
	Topic             string         `gorm:"size:128" json:"topic"`
	AccessibilityHint string         `gorm:"type:text" json:"accessibility_hint"`
	CreatedAt         time.Time      `json:"created_at"`
}

// SetOptions serializes options into the JSON storage column.
func (q *QuestionVersion) SetOptions(options []QuestionOption) {
	q.Options = marshalJSON(options)
}

// OptionList deserializes the stored options.
func (q QuestionVersion) OptionList() []QuestionOption {
	var options []QuestionOption
	unmarshalJSON(q.Options, &options)
	return options
}

// SetKeywords serializes keywords into the JSON storage column.
func (q *QuestionVersion) SetKeywords(keywords []QuestionKeyword) {
	q.Keywords = marshalJSON(keywords)
}

// KeywordList deserializes the stored keywords.
func (q QuestionVersion) KeywordList() []QuestionKeyword {
	var keywords []QuestionKeyword
	unmarshalJSON(q.Keywords, &keywords)
	return keywords
}

// SetTestCases serializes test cases into the JSON storage column.
func (q *QuestionVersion) SetTestCases(cases []QuestionTestCase) {
	q.TestCases = marshalJSON(cases)
}

// TestCaseList deserializes the stored test cases.
func (q QuestionVersion) TestCaseList() []QuestionTestCase {
	var cases []QuestionTestCase
	unmarshalJSON(q.TestCases, &cases)
	return cases
}

// Enrollment is a candidate's registration for one attempt at an exam.
type Enrollment struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ExamID             uint      `gorm:"not null;index" json:"exam_id"`
	UserID             uint      `gorm:"not null;index" json:"user_id"`
	Status             string    `gorm:"size:32;not null;default:ENROLLED" json:"status"`
	ExtraTimeMinutes   int       `gorm:"not null;default:0" json:"extra_time_minutes"`
	DurationMultiplier float64   `gorm:"not null;default:1" json:"duration_multiplier"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Exam               Exam      `gorm:"foreignKey:ExamID;references:ID" json:"-"`
}

func marshalJSON(value interface{}) datatypes.JSON {
	data, err := json.Marshal(value)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}

func unmarshalJSON(raw datatypes.JSON, target interface{}) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, target)
}
