package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// ActivityLogFilter narrows audit queries. An Action ending in ".*" matches every action
// with that prefix, e.g. "session.*". Since is inclusive and Until exclusive.
type ActivityLogFilter struct {
	Page       int
	PageSize   int
	ActorID    *uint
	ActorRole  string
	Action     string
	EntityType string
	EntityID   *uint
	Since      *time.Time
	Until      *time.Time
}

// ActivityLogRepository persists the audit trail of overrides, unlocks, extensions and reviews.
type ActivityLogRepository interface {
	Create(ctx context.Context, entry *models.ActivityLog) error
	List(ctx context.Context, filter ActivityLogFilter) ([]models.ActivityLog, int64, error)
}

type activityLogRepository struct {
	db *gorm.DB
}

func NewActivityLogRepository(db *gorm.DB) ActivityLogRepository {
	return &activityLogRepository{db: db}
}

func (r *activityLogRepository) Create(ctx context.Context, entry *models.ActivityLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *activityLogRepository) List(ctx context.Context, filter ActivityLogFilter) ([]models.ActivityLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ActivityLog{})

	if filter.ActorID != nil {
		query = query.Where("actor_id = ?", *filter.ActorID)
	}
	if filter.ActorRole != "" {
		query = query.Where("actor_role = ?", filter.ActorRole)
	}
	if prefix, ok := strings.CutSuffix(filter.Action, ".*"); ok && prefix != "" {
		query = query.Where(`action LIKE ? ESCAPE '\'`, escapeLike(prefix)+".%")
	} else if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != nil {
		query = query.Where("entity_id = ?", *filter.EntityID)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("created_at < ?", *filter.Until)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var entries []models.ActivityLog
	if err := query.Order("created_at DESC, id DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer("%", "\\%", "_", "\\_").Replace(value)
}
