package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// GradingRepository provides persistence helpers for automated and manual grading.
type GradingRepository interface {
	Transaction(ctx context.Context, fn func(repo GradingRepository) error) error
	FindSession(ctx context.Context, id uint) (models.ExamSession, error)
	FindEnrollment(ctx context.Context, id uint) (models.Enrollment, error)
	FindAnswer(ctx context.Context, id uint) (models.CandidateAnswer, error)
	LockAnswer(ctx context.Context, id uint) (models.CandidateAnswer, error)
	ListSessionAnswers(ctx context.Context, sessionID uint) ([]models.CandidateAnswer, error)
	ListExamQuestions(ctx context.Context, examID uint) ([]models.ExamQuestion, error)
	SaveAnswer(ctx context.Context, answer *models.CandidateAnswer) error
	CreateHistory(ctx context.Context, history *models.AnswerScoreHistory) error
	ListHistory(ctx context.Context, answerID uint) ([]models.AnswerScoreHistory, error)
	FindResultByEnrollment(ctx context.Context, enrollmentID uint) (models.ExamResult, error)
	SaveResult(ctx context.Context, result *models.ExamResult) error
	ListActiveFlags(ctx context.Context, sessionID uint) ([]models.ProctorFlag, error)
}

type gradingRepository struct {
	db *gorm.DB
}

// NewGradingRepository builds a grading-aware answer repository.
func NewGradingRepository(db *gorm.DB) GradingRepository {
	return &gradingRepository{db: db}
}

func (r *gradingRepository) Transaction(ctx context.Context, fn func(repo GradingRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gradingRepository{db: tx})
	})
}

func (r *gradingRepository) FindSession(ctx context.Context, id uint) (models.ExamSession, error) {
	var session models.ExamSession
	if err := r.db.WithContext(ctx).First(&session, id).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *gradingRepository) FindEnrollment(ctx context.Context, id uint) (models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := r.db.WithContext(ctx).Preload("Exam").First(&enrollment, id).Error; err != nil {
		return models.Enrollment{}, err
	}
	return enrollment, nil
}

func (r *gradingRepository) FindAnswer(ctx context.Context, id uint) (models.CandidateAnswer, error) {
	var answer models.CandidateAnswer
	if err := r.db.WithContext(ctx).
		Preload("ExamQuestion.QuestionVersion").
		First(&answer, id).Error; err != nil {
		return models.CandidateAnswer{}, err
	}
	return answer, nil
}

func (r *gradingRepository) LockAnswer(ctx context.Context, id uint) (models.CandidateAnswer, error) {
	var answer models.CandidateAnswer
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("ExamQuestion.QuestionVersion").
		First(&answer, id).Error; err != nil {
		return models.CandidateAnswer{}, err
	}
	return answer, nil
}

func (r *gradingRepository) ListSessionAnswers(ctx context.Context, sessionID uint) ([]models.CandidateAnswer, error) {
	var answers []models.CandidateAnswer
	err := r.db.WithContext(ctx).
		Preload("ExamQuestion.QuestionVersion").
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&answers).Error
	return answers, err
}

func (r *gradingRepository) ListExamQuestions(ctx context.Context, examID uint) ([]models.ExamQuestion, error) {
	var questions []models.ExamQuestion
	err := r.db.WithContext(ctx).
		Preload("QuestionVersion").
		Where("exam_id = ?", examID).
		Order("ordinal ASC").
		Find(&questions).Error
	return questions, err
}

func (r *gradingRepository) SaveAnswer(ctx context.Context, answer *models.CandidateAnswer) error {
	return r.db.WithContext(ctx).Omit("ExamQuestion").Save(answer).Error
}

func (r *gradingRepository) CreateHistory(ctx context.Context, history *models.AnswerScoreHistory) error {
	return r.db.WithContext(ctx).Create(history).Error
}

func (r *gradingRepository) ListHistory(ctx context.Context, answerID uint) ([]models.AnswerScoreHistory, error) {
	var history []models.AnswerScoreHistory
	err := r.db.WithContext(ctx).
		Where("answer_id = ?", answerID).
		Order("graded_at DESC").
		Find(&history).Error
	return history, err
}

func (r *gradingRepository) FindResultByEnrollment(ctx context.Context, enrollmentID uint) (models.ExamResult, error) {
	var result models.ExamResult
	if err := r.db.WithContext(ctx).Where("enrollment_id = ?", enrollmentID).First(&result).Error; err != nil {
		return models.ExamResult{}, err
	}
	return result, nil
}

func (r *gradingRepository) SaveResult(ctx context.Context, result *models.ExamResult) error {
	return translateError(r.db.WithContext(ctx).Save(result).Error)
}

func (r *gradingRepository) ListActiveFlags(ctx context.Context, sessionID uint) ([]models.ProctorFlag, error) {
	var flags []models.ProctorFlag
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND status <> ?", sessionID, models.FlagStatusRejected).
		Order("id ASC").
		Find(&flags).Error
	return flags, err
}
