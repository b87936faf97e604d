package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// ExamRepository reads exams, their pinned questions and enrollments.
type ExamRepository interface {
	FindByID(ctx context.Context, id uint) (models.Exam, error)
	ListQuestions(ctx context.Context, examID uint) ([]models.ExamQuestion, error)
	FindEnrollment(ctx context.Context, id uint) (models.Enrollment, error)
}

type examRepository struct {
	db *gorm.DB
}

// NewExamRepository constructs the exam repository.
func NewExamRepository(db *gorm.DB) ExamRepository {
	return &examRepository{db: db}
}

func (r *examRepository) FindByID(ctx context.Context, id uint) (models.Exam, error) {
	var exam models.Exam
	if err := r.db.WithContext(ctx).First(&exam, id).Error; err != nil {
		return models.Exam{}, err
	}
	return exam, nil
}

func (r *examRepository) ListQuestions(ctx context.Context, examID uint) ([]models.ExamQuestion, error) {
	var questions []models.ExamQuestion
	err := r.db.WithContext(ctx).
		Preload("QuestionVersion").
		Where("exam_id = ?", examID).
		Order("ordinal ASC").
		Find(&questions).Error
	return questions, err
}

func (r *examRepository) FindEnrollment(ctx context.Context, id uint) (models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := r.db.WithContext(ctx).Preload("Exam").First(&enrollment, id).Error; err != nil {
		return models.Enrollment{}, err
	}
	return enrollment, nil
}
