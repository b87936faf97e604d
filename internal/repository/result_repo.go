package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// ResultRepository handles exam results and their re-evaluation requests.
type ResultRepository interface {
	Transaction(ctx context.Context, fn func(repo ResultRepository) error) error
	FindByID(ctx context.Context, id uint) (models.ExamResult, error)
	ListByExam(ctx context.Context, examID uint) ([]models.ExamResult, error)
	PublishByExam(ctx context.Context, examID uint, publishedAt time.Time) ([]models.ExamResult, error)
	CreateReEvaluation(ctx context.Context, request *models.ReEvaluationRequest) error
	FindReEvaluation(ctx context.Context, id uint) (models.ReEvaluationRequest, error)
	LockReEvaluation(ctx context.Context, id uint) (models.ReEvaluationRequest, error)
	SaveReEvaluation(ctx context.Context, request *models.ReEvaluationRequest) error
	HasOpenReEvaluation(ctx context.Context, answerID uint) (bool, error)
	// Answers returns a grading repository sharing this repository's connection, so answer
	// writes made inside Transaction commit or roll back with it.
	Answers() GradingRepository
}

type resultRepository struct {
	db *gorm.DB
}

// NewResultRepository constructs the result repository.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &resultRepository{db: db}
}

func (r *resultRepository) Transaction(ctx context.Context, fn func(repo ResultRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&resultRepository{db: tx})
	})
}

func (r *resultRepository) Answers() GradingRepository {
	return &gradingRepository{db: r.db}
}

func (r *resultRepository) FindByID(ctx context.Context, id uint) (models.ExamResult, error) {
	var result models.ExamResult
	if err := r.db.WithContext(ctx).First(&result, id).Error; err != nil {
		return models.ExamResult{}, err
	}
	return result, nil
}

func (r *resultRepository) ListByExam(ctx context.Context, examID uint) ([]models.ExamResult, error) {
	var results []models.ExamResult
	err := r.db.WithContext(ctx).
		Where("exam_id = ?", examID).
		Order("total_score DESC, id ASC").
		Find(&results).Error
	return results, err
}

// PublishByExam flips every pending result of the exam and stamps the exam, returning the
// results that changed state.
func (r *resultRepository) PublishByExam(ctx context.Context, examID uint, publishedAt time.Time) ([]models.ExamResult, error) {
	var pending []models.ExamResult
	if err := r.db.WithContext(ctx).
		Where("exam_id = ? AND status = ?", examID, models.ResultStatusPendingReview).
		Find(&pending).Error; err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return pending, nil
	}

	ids := make([]uint, 0, len(pending))
	for _, result := range pending {
		ids = append(ids, result.ID)
	}

	if err := r.db.WithContext(ctx).
		Model(&models.ExamResult{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":       models.ResultStatusPublished,
			"published_at": publishedAt,
		}).Error; err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).
		Model(&models.Exam{}).
		Where("id = ?", examID).
		Update("results_published_at", publishedAt).Error; err != nil {
		return nil, err
	}

	for i := range pending {
		pending[i].Status = models.ResultStatusPublished
		stamp := publishedAt
		pending[i].PublishedAt = &stamp
	}
	return pending, nil
}

func (r *resultRepository) CreateReEvaluation(ctx context.Context, request *models.ReEvaluationRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *resultRepository) FindReEvaluation(ctx context.Context, id uint) (models.ReEvaluationRequest, error) {
	var request models.ReEvaluationRequest
	if err := r.db.WithContext(ctx).First(&request, id).Error; err != nil {
		return models.ReEvaluationRequest{}, err
	}
	return request, nil
}

func (r *resultRepository) LockReEvaluation(ctx context.Context, id uint) (models.ReEvaluationRequest, error) {
	var request models.ReEvaluationRequest
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&request, id).Error; err != nil {
		return models.ReEvaluationRequest{}, err
	}
	return request, nil
}

func (r *resultRepository) SaveReEvaluation(ctx context.Context, request *models.ReEvaluationRequest) error {
	return r.db.WithContext(ctx).Save(request).Error
}

func (r *resultRepository) HasOpenReEvaluation(ctx context.Context, answerID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ReEvaluationRequest{}).
		Where("answer_id = ? AND status = ?", answerID, models.ReEvaluationStatusOpen).
		Count(&count).Error
	return count > 0, err
}
