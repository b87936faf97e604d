package models

import "gorm.io/gorm"

// ExamEngineModels lists every table owned by the exam engine, parents first.
func ExamEngineModels() []interface{} {
	return []interface{}{
		&QuestionVersion{},
		&Exam{},
		&ExamQuestion{},
		&Enrollment{},
		&ExamSession{},
		&CandidateAnswer{},
		&ViolationLog{},
		&ProctorFlag{},
		&ExamResult{},
		&ReEvaluationRequest{},
		&AnswerScoreHistory{},
		&ActivityLog{},
		&Notification{},
	}
}

// AutoMigrate creates or updates the exam engine schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(ExamEngineModels()...)
}
