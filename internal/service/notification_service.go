package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-exam-engine/internal/dto"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/observability"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
)

const notificationBufferSize = 16

// Notification types emitted by the exam engine.
const (
	NotificationSessionLocked    = "session_locked"
	NotificationSessionUnlocked  = "session_unlocked"
	NotificationTimeExtended     = "time_extended"
	NotificationSessionFinished  = "session_finished"
	NotificationFlagRaised       = "proctor_flag"
	NotificationResultsPublished = "results_published"
	NotificationReEvaluation     = "re_evaluation"
)

// NotificationService stores exam notifications and streams them to connected users.
type NotificationService interface {
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error)
	PublishMany(ctx context.Context, userIDs []uint, examID *uint, notificationType, message string) (int, error)
	List(ctx context.Context, userID string, filter dto.NotificationFilter) (dto.NotificationListResponse, error)
	MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error)
	MarkAllRead(ctx context.Context, userID string, examID *uint) (dto.MarkAllReadResponse, error)
	Subscribe(userID string) (<-chan dto.NotificationResponse, func())
	Start(ctx context.Context)
}

type notificationService struct {
	repo        repository.NotificationRepository
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	sanitizer   *bluemonday.Policy
	broker      *notificationBroker
	nodeID      string
	now         func() time.Time
}

// notificationEvent is the cross-node envelope; nodes drop their own events.
type notificationEvent struct {
	Source       string                   `json:"source"`
	Notification dto.NotificationResponse `json:"notification"`
	SentAt       time.Time                `json:"sent_at"`
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.NotificationResponse]struct{}
}

// NewNotificationService constructs a notification service. Events are relayed between
// nodes over exactly one transport: NATS when connected (channel with colons turned into
// dots is the subject), redis pub/sub otherwise. Both may be nil for a single node.
func NewNotificationService(repo repository.NotificationRepository, redisClient *redis.Client, channel string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) NotificationService {
	svc := &notificationService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-engine/internal/service/notification"),
		sanitizer: bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[string]map[chan dto.NotificationResponse]struct{}),
		},
		nodeID: uuid.NewString(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	switch {
	case channel == "":
	case natsConn != nil:
		svc.nats = natsConn
		svc.natsSubject = strings.ReplaceAll(channel, ":", ".")
	case redisClient != nil:
		svc.redis = redisClient
		svc.redisStream = channel
	}
	return svc
}

func (s *notificationService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *notificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.NotificationResponse{}, err
	}

	message := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if message == "" {
		return dto.NotificationResponse{}, fmt.Errorf("%w: notification message empty after sanitization", ErrValidation)
	}

	attrs := []attribute.KeyValue{
		attribute.String("notification.user_id", payload.UserID),
		attribute.String("notification.type", payload.Type),
	}
	if payload.ExamID != nil {
		attrs = append(attrs, attribute.Int64("exam.id", int64(*payload.ExamID)))
	}
	ctx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.Notification{
		UserID:    payload.UserID,
		ExamID:    payload.ExamID,
		SessionID: payload.SessionID,
		Type:      payload.Type,
		Message:   message,
	}
	if err := s.repo.Create(ctx, &model); err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, err
	}

	response := dto.NewNotificationResponse(model)
	s.broker.broadcast(response.UserID, response)
	if err := s.fanOut(ctx, response); err != nil {
		s.logger.Warn().Err(err).Str("type", response.Type).Msg("failed to fan out notification")
	}

	observability.NotificationsPublishedTotal().WithLabelValues(response.Type).Inc()
	return response, nil
}

// PublishMany sends the same message to every distinct user and returns how many were
// stored. Failures are logged and the first one is returned after all users were tried.
func (s *notificationService) PublishMany(ctx context.Context, userIDs []uint, examID *uint, notificationType, message string) (int, error) {
	delivered := 0
	var firstErr error
	seen := make(map[uint]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup || userID == 0 {
			continue
		}
		seen[userID] = struct{}{}

		if _, err := s.Publish(ctx, dto.NotificationCreateRequest{
			UserID:  strconv.FormatUint(uint64(userID), 10),
			ExamID:  examID,
			Type:    notificationType,
			Message: message,
		}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn().Err(err).Uint("user_id", userID).Str("type", notificationType).Msg("failed to notify user")
			continue
		}
		delivered++
	}
	return delivered, firstErr
}

func (s *notificationService) List(ctx context.Context, userID string, filter dto.NotificationFilter) (dto.NotificationListResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return dto.NotificationListResponse{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	items, err := s.repo.ListInbox(ctx, repository.InboxQuery{
		UserID:     userID,
		ExamID:     filter.ExamID,
		UnreadOnly: filter.UnreadOnly,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
	if err != nil {
		return dto.NotificationListResponse{}, err
	}
	unread, err := s.repo.CountUnread(ctx, userID, filter.ExamID)
	if err != nil {
		return dto.NotificationListResponse{}, err
	}

	return dto.NotificationListResponse{Items: dto.NewNotificationResponseSlice(items), Unread: unread}, nil
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(
		attribute.String("notification.user_id", userID),
		attribute.Int64("notification.id", int64(id)),
	))
	defer span.End()

	notification, err := s.repo.MarkRead(ctx, id, userID, s.now())
	if err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, notFoundOr(err)
	}
	return dto.NewNotificationResponse(notification), nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string, examID *uint) (dto.MarkAllReadResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return dto.MarkAllReadResponse{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	updated, err := s.repo.MarkAllRead(ctx, userID, examID, s.now())
	if err != nil {
		return dto.MarkAllReadResponse{}, err
	}
	return dto.MarkAllReadResponse{Updated: updated}, nil
}

func (s *notificationService) Subscribe(userID string) (<-chan dto.NotificationResponse, func()) {
	channel := make(chan dto.NotificationResponse, notificationBufferSize)

	s.broker.subscribe(userID, channel)
	observability.SSEClientsActive().Inc()

	cleanup := func() {
		s.broker.unsubscribe(userID, channel)
		observability.SSEClientsActive().Dec()
	}

	return channel, cleanup
}

func (s *notificationService) fanOut(ctx context.Context, notification dto.NotificationResponse) error {
	event := notificationEvent{
		Source:       s.nodeID,
		Notification: notification,
		SentAt:       s.now(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *notificationService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("notification redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *notificationService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats notifications subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain notification nats subscription")
		}
	}()
}

func (s *notificationService) handleEvent(payload []byte) {
	var event notificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	if event.Notification.UserID == "" {
		return
	}
	s.broker.broadcast(event.Notification.UserID, event.Notification)
}

func (b *notificationBroker) subscribe(userID string, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan dto.NotificationResponse]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(userID string, ch chan dto.NotificationResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *notificationBroker) broadcast(userID string, notification dto.NotificationResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subscribers[userID]
	for ch := range subscribers {
		select {
		case ch <- notification:
		default:
		}
	}
}

// notificationTarget identifies the recipient and the exam context of a notification.
type notificationTarget struct {
	UserID    uint
	ExamID    uint
	SessionID uint
}

func sessionTarget(session models.ExamSession) notificationTarget {
	return notificationTarget{UserID: session.UserID, ExamID: session.ExamID, SessionID: session.ID}
}

// notify creates a notification for one user and only logs failures.
func notify(ctx context.Context, notifier NotificationService, logger zerolog.Logger, target notificationTarget, notificationType, message string) {
	if notifier == nil || target.UserID == 0 {
		return
	}
	payload := dto.NotificationCreateRequest{
		UserID:  strconv.FormatUint(uint64(target.UserID), 10),
		Type:    notificationType,
		Message: message,
	}
	if target.ExamID != 0 {
		examID := target.ExamID
		payload.ExamID = &examID
	}
	if target.SessionID != 0 {
		sessionID := target.SessionID
		payload.SessionID = &sessionID
	}
	if _, err := notifier.Publish(ctx, payload); err != nil {
		logger.Warn().Err(err).Uint("user_id", target.UserID).Str("type", notificationType).Msg("failed to create notification")
	}
}
