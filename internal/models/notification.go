package models

import "time"

// Notification is an in-app message for a candidate or proctor, optionally tied to the
// exam and session that produced it.
type Notification struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    string     `gorm:"size:64;not null;index:idx_notification_inbox,priority:1" json:"user_id"`
	ExamID    *uint      `gorm:"index" json:"exam_id"`
	SessionID *uint      `gorm:"index" json:"session_id"`
	Type      string     `gorm:"size:64;not null" json:"type"`
	Message   string     `gorm:"type:text;not null" json:"message"`
	Read      bool       `gorm:"not null;default:false;index:idx_notification_inbox,priority:2" json:"read"`
	ReadAt    *time.Time `json:"read_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
