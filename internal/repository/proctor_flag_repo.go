package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// ProctorFlagFilter narrows flag queries.
type ProctorFlagFilter struct {
	ExamID    uint
	SessionID uint
	Status    string
	Page      int
	PageSize  int
}

// ProctorFlagRepository persists proctor flags and their review lifecycle.
type ProctorFlagRepository interface {
	Create(ctx context.Context, flag *models.ProctorFlag) error
	FindByID(ctx context.Context, id uint) (models.ProctorFlag, error)
	Save(ctx context.Context, flag *models.ProctorFlag) error
	List(ctx context.Context, filter ProctorFlagFilter) ([]models.ProctorFlag, int64, error)
}

type proctorFlagRepository struct {
	db *gorm.DB
}

// NewProctorFlagRepository constructs the flag repository.
func NewProctorFlagRepository(db *gorm.DB) ProctorFlagRepository {
	return &proctorFlagRepository{db: db}
}

func (r *proctorFlagRepository) Create(ctx context.Context, flag *models.ProctorFlag) error {
	return r.db.WithContext(ctx).Create(flag).Error
}

func (r *proctorFlagRepository) FindByID(ctx context.Context, id uint) (models.ProctorFlag, error) {
	var flag models.ProctorFlag
	if err := r.db.WithContext(ctx).First(&flag, id).Error; err != nil {
		return models.ProctorFlag{}, err
	}
	return flag, nil
}

func (r *proctorFlagRepository) Save(ctx context.Context, flag *models.ProctorFlag) error {
	return r.db.WithContext(ctx).Save(flag).Error
}

func (r *proctorFlagRepository) List(ctx context.Context, filter ProctorFlagFilter) ([]models.ProctorFlag, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ProctorFlag{})

	if filter.ExamID > 0 {
		query = query.Where("exam_id = ?", filter.ExamID)
	}
	if filter.SessionID > 0 {
		query = query.Where("session_id = ?", filter.SessionID)
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		query = query.Where("status = ?", strings.ToUpper(status))
	}

	countQuery := query.Session(&gorm.Session{})
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var flags []models.ProctorFlag
	if err := query.Order("created_at DESC, id DESC").Find(&flags).Error; err != nil {
		return nil, 0, err
	}

	return flags, total, nil
}
