package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-engine/internal/models"
)

// NotificationCreateRequest addresses one notification to a user.
type NotificationCreateRequest struct {
	UserID    string `json:"user_id" validate:"required,max=64"`
	ExamID    *uint  `json:"exam_id,omitempty"`
	SessionID *uint  `json:"session_id,omitempty"`
	Type      string `json:"type" validate:"required,max=64"`
	Message   string `json:"message" validate:"required,min=1,max=2000"`
}

// NotificationFilter narrows a user's inbox.
type NotificationFilter struct {
	ExamID     *uint
	UnreadOnly bool
	Limit      int
	Offset     int
}

type NotificationResponse struct {
	ID        uint       `json:"id"`
	UserID    string     `json:"user_id"`
	ExamID    *uint      `json:"exam_id,omitempty"`
	SessionID *uint      `json:"session_id,omitempty"`
	Type      string     `json:"type"`
	Message   string     `json:"message"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NotificationListResponse is one page of the inbox plus the unread total across all pages.
type NotificationListResponse struct {
	Items  []NotificationResponse `json:"items"`
	Unread int64                  `json:"unread"`
}

// MarkAllReadResponse reports how many notifications changed state.
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

func NewNotificationResponse(model models.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        model.ID,
		UserID:    model.UserID,
		ExamID:    model.ExamID,
		SessionID: model.SessionID,
		Type:      model.Type,
		Message:   model.Message,
		Read:      model.Read,
		ReadAt:    model.ReadAt,
		CreatedAt: model.CreatedAt,
	}
}

func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}
