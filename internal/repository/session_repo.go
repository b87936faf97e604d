package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// SessionRepository persists the session aggregate: the session row, its enrollment and
// exam status transitions, answers, violations and raised flags.
type SessionRepository interface {
	Transaction(ctx context.Context, fn func(repo SessionRepository) error) error
	FindByID(ctx context.Context, id uint) (models.ExamSession, error)
	LockByID(ctx context.Context, id uint) (models.ExamSession, error)
	FindByEnrollment(ctx context.Context, enrollmentID uint) (models.ExamSession, error)
	Create(ctx context.Context, session *models.ExamSession) error
	Save(ctx context.Context, session *models.ExamSession) error
	LockEnrollment(ctx context.Context, id uint) (models.Enrollment, error)
	UpdateEnrollmentStatus(ctx context.Context, id uint, status string) error
	MarkExamInProgress(ctx context.Context, examID uint) error
	CreateAnswer(ctx context.Context, answer *models.CandidateAnswer) error
	AnswerExists(ctx context.Context, sessionID, examQuestionID uint) (bool, error)
	ListAnswers(ctx context.Context, sessionID uint) ([]models.CandidateAnswer, error)
	CreateViolation(ctx context.Context, violation *models.ViolationLog) error
	ListViolations(ctx context.Context, sessionID uint) ([]models.ViolationLog, error)
	CreateFlag(ctx context.Context, flag *models.ProctorFlag) error
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository constructs the session repository.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Transaction(ctx context.Context, fn func(repo SessionRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sessionRepository{db: tx})
	})
}

func (r *sessionRepository) FindByID(ctx context.Context, id uint) (models.ExamSession, error) {
	var session models.ExamSession
	if err := r.db.WithContext(ctx).First(&session, id).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) LockByID(ctx context.Context, id uint) (models.ExamSession, error) {
	var session models.ExamSession
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&session, id).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) FindByEnrollment(ctx context.Context, enrollmentID uint) (models.ExamSession, error) {
	var session models.ExamSession
	if err := r.db.WithContext(ctx).Where("enrollment_id = ?", enrollmentID).First(&session).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) Create(ctx context.Context, session *models.ExamSession) error {
	return translateError(r.db.WithContext(ctx).Create(session).Error)
}

func (r *sessionRepository) Save(ctx context.Context, session *models.ExamSession) error {
	return r.db.WithContext(ctx).Save(session).Error
}

func (r *sessionRepository) LockEnrollment(ctx context.Context, id uint) (models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Exam").
		First(&enrollment, id).Error; err != nil {
		return models.Enrollment{}, err
	}
	return enrollment, nil
}

func (r *sessionRepository) UpdateEnrollmentStatus(ctx context.Context, id uint, status string) error {
	update := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ?", id).
		Update("status", status)
	if update.Error != nil {
		return update.Error
	}
	if update.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *sessionRepository) MarkExamInProgress(ctx context.Context, examID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Exam{}).
		Where("id = ? AND status = ?", examID, models.ExamStatusScheduled).
		Update("status", models.ExamStatusInProgress).Error
}

func (r *sessionRepository) CreateAnswer(ctx context.Context, answer *models.CandidateAnswer) error {
	return translateError(r.db.WithContext(ctx).Omit("ExamQuestion").Create(answer).Error)
}

func (r *sessionRepository) AnswerExists(ctx context.Context, sessionID, examQuestionID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.CandidateAnswer{}).
		Where("session_id = ? AND exam_question_id = ?", sessionID, examQuestionID).
		Count(&count).Error
	return count > 0, err
}

func (r *sessionRepository) ListAnswers(ctx context.Context, sessionID uint) ([]models.CandidateAnswer, error) {
	var answers []models.CandidateAnswer
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("answered_at ASC").
		Find(&answers).Error
	return answers, err
}

func (r *sessionRepository) CreateViolation(ctx context.Context, violation *models.ViolationLog) error {
	return r.db.WithContext(ctx).Create(violation).Error
}

func (r *sessionRepository) ListViolations(ctx context.Context, sessionID uint) ([]models.ViolationLog, error) {
	var violations []models.ViolationLog
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("occurred_at ASC").
		Find(&violations).Error
	return violations, err
}

func (r *sessionRepository) CreateFlag(ctx context.Context, flag *models.ProctorFlag) error {
	return r.db.WithContext(ctx).Create(flag).Error
}
