package dto

import "time"

// IntegrityDisclaimer accompanies every integrity report.
const IntegrityDisclaimer = "integrity scores are heuristic evidence for human review, not proof of misconduct"

// DistractorStat is the selection share of one option.
type DistractorStat struct {
	OptionID   string  `json:"option_id"`
	Text       string  `json:"text"`
	IsCorrect  bool    `json:"is_correct"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// QuestionAnalytics holds the item statistics of one exam question.
type QuestionAnalytics struct {
	ExamQuestionID      uint             `json:"exam_question_id"`
	Ordinal             int              `json:"ordinal"`
	Type                string           `json:"type"`
	Topic               string           `json:"topic,omitempty"`
	Difficulty          int              `json:"difficulty"`
	DifficultyIndex     float64          `json:"difficulty_index"`
	DiscriminationIndex float64          `json:"discrimination_index"`
	SampleSize          int              `json:"sample_size"`
	AverageTimeSeconds  float64          `json:"average_time_seconds"`
	Distractors         []DistractorStat `json:"distractors,omitempty"`
	Flagged             bool             `json:"flagged"`
	FlagReason          string           `json:"flag_reason,omitempty"`
}

// ExamAnalyticsResponse aggregates the analytics of an exam.
type ExamAnalyticsResponse struct {
	ExamID            uint                `json:"exam_id"`
	Respondents       int                 `json:"respondents"`
	AverageScore      float64             `json:"average_score"`
	AveragePercentage float64             `json:"average_percentage"`
	ScoreStdDev       float64             `json:"score_std_dev"`
	PassRate          float64             `json:"pass_rate"`
	Questions         []QuestionAnalytics `json:"questions"`
	GeneratedAt       time.Time           `json:"generated_at"`
}

// IntegrityBreakdown lists each deduction of the integrity score.
type IntegrityBreakdown struct {
	FlagPenalty      float64 `json:"flag_penalty"`
	TimingPenalty    float64 `json:"timing_penalty"`
	TabSwitchPenalty float64 `json:"tab_switch_penalty"`
	CollusionPenalty float64 `json:"collusion_penalty"`
}

// CollusionSignal is the strongest peer similarity found.
type CollusionSignal struct {
	Similarity float64 `json:"similarity"`
	PeerUserID uint    `json:"peer_user_id,omitempty"`
	Flagged    bool    `json:"flagged"`
}

// IntegrityReportResponse explains the integrity score of one candidate.
type IntegrityReportResponse struct {
	ExamID          uint                  `json:"exam_id"`
	UserID          uint                  `json:"user_id"`
	SessionID       uint                  `json:"session_id"`
	IntegrityScore  float64               `json:"integrity_score"`
	Breakdown       IntegrityBreakdown    `json:"breakdown"`
	FlagSeverity    float64               `json:"flag_severity"`
	TimingAnomalies int                   `json:"timing_anomalies"`
	TabSwitchCount  int                   `json:"tab_switch_count"`
	Collusion       CollusionSignal       `json:"collusion"`
	Flags           []ProctorFlagResponse `json:"flags"`
	Disclaimer      string                `json:"disclaimer"`
}
