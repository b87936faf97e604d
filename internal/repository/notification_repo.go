package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 100
)

// InboxQuery selects notifications for one recipient.
type InboxQuery struct {
	UserID     string
	ExamID     *uint
	UnreadOnly bool
	Limit      int
	Offset     int
}

// NotificationRepository persists candidate and proctor notifications.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	ListInbox(ctx context.Context, query InboxQuery) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID string, examID *uint) (int64, error)
	MarkRead(ctx context.Context, id uint, userID string, at time.Time) (models.Notification, error)
	MarkAllRead(ctx context.Context, userID string, examID *uint, at time.Time) (int64, error)
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *notificationRepository) ListInbox(ctx context.Context, query InboxQuery) ([]models.Notification, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	tx := r.inbox(ctx, query.UserID, query.ExamID)
	if query.UnreadOnly {
		tx = tx.Where("read = ?", false)
	}

	var notifications []models.Notification
	if err := tx.Order("created_at DESC").Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, userID string, examID *uint) (int64, error) {
	var count int64
	err := r.inbox(ctx, userID, examID).Where("read = ?", false).Count(&count).Error
	return count, err
}

// MarkRead only touches notifications owned by userID; a foreign id reports not found.
func (r *notificationRepository) MarkRead(ctx context.Context, id uint, userID string, at time.Time) (models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&notification).Error; err != nil {
		return models.Notification{}, err
	}
	if notification.Read {
		return notification, nil
	}

	if err := r.db.WithContext(ctx).Model(&notification).Updates(map[string]interface{}{
		"read":    true,
		"read_at": at,
	}).Error; err != nil {
		return models.Notification{}, err
	}
	notification.Read = true
	notification.ReadAt = &at
	return notification, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID string, examID *uint, at time.Time) (int64, error) {
	result := r.inbox(ctx, userID, examID).
		Where("read = ?", false).
		Updates(map[string]interface{}{"read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

func (r *notificationRepository) inbox(ctx context.Context, userID string, examID *uint) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	if examID != nil {
		tx = tx.Where("exam_id = ?", *examID)
	}
	return tx
}
