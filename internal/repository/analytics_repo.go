package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// AnalyticsRepository supplies the read model for exam analytics and integrity reports.
type AnalyticsRepository interface {
	ListResults(ctx context.Context, examID uint) ([]models.ExamResult, error)
	ListAnswersByExam(ctx context.Context, examID uint) ([]models.CandidateAnswer, []models.ExamSession, error)
	ListFlagsByExam(ctx context.Context, examID uint) ([]models.ProctorFlag, error)
}

type analyticsRepository struct {
	db *gorm.DB
}

// NewAnalyticsRepository constructs the analytics repository.
func NewAnalyticsRepository(db *gorm.DB) AnalyticsRepository {
	return &analyticsRepository{db: db}
}

func (r *analyticsRepository) ListResults(ctx context.Context, examID uint) ([]models.ExamResult, error) {
	var results []models.ExamResult
	err := r.db.WithContext(ctx).
		Where("exam_id = ?", examID).
		Order("id ASC").
		Find(&results).Error
	return results, err
}

// ListAnswersByExam returns the answers of every finished session of the exam along with
// those sessions.
func (r *analyticsRepository) ListAnswersByExam(ctx context.Context, examID uint) ([]models.CandidateAnswer, []models.ExamSession, error) {
	var sessions []models.ExamSession
	if err := r.db.WithContext(ctx).
		Where("exam_id = ? AND finished_at IS NOT NULL", examID).
		Order("id ASC").
		Find(&sessions).Error; err != nil {
		return nil, nil, err
	}
	if len(sessions) == 0 {
		return nil, sessions, nil
	}

	ids := make([]uint, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}

	var answers []models.CandidateAnswer
	if err := r.db.WithContext(ctx).
		Where("session_id IN ?", ids).
		Order("id ASC").
		Find(&answers).Error; err != nil {
		return nil, nil, err
	}
	return answers, sessions, nil
}

func (r *analyticsRepository) ListFlagsByExam(ctx context.Context, examID uint) ([]models.ProctorFlag, error) {
	var flags []models.ProctorFlag
	err := r.db.WithContext(ctx).
		Where("exam_id = ?", examID).
		Find(&flags).Error
	return flags, err
}
