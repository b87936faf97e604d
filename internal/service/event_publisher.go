package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/dto"
)

// Session event types published on the exam monitor channel.
const (
	EventSessionStarted   = "session.started"
	EventAnswerSubmitted  = "answer.submitted"
	EventViolation        = "session.violation"
	EventSessionLocked    = "session.locked"
	EventSessionUnlocked  = "session.unlocked"
	EventSessionExtended  = "session.extended"
	EventSessionPaused    = "session.paused"
	EventSessionResumed   = "session.resumed"
	EventSessionFinished  = "session.finished"
	EventFlagRaised       = "flag.raised"
	EventFlagReviewed     = "flag.reviewed"
	EventResultsPublished = "results.published"
)

const monitorBufferSize = 32

// EventPublisher fans session events out to live proctor monitors.
type EventPublisher interface {
	Publish(ctx context.Context, event dto.SessionEvent)
	Subscribe(ctx context.Context, examID uint) (<-chan dto.SessionEvent, func(), error)
}

type eventPublisher struct {
	redis  *redis.Client
	nats   *nats.Conn
	logger zerolog.Logger
	local  *monitorBroker
}

type monitorBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.SessionEvent]struct{}
}

// NewEventPublisher publishes on Redis pub/sub and NATS. Without Redis, events are relayed
// in process only.
func NewEventPublisher(redisClient *redis.Client, natsConn *nats.Conn, logger zerolog.Logger) EventPublisher {
	return &eventPublisher{
		redis:  redisClient,
		nats:   natsConn,
		logger: logger.With().Str("component", "event_publisher").Logger(),
		local: &monitorBroker{
			subscribers: make(map[uint]map[chan dto.SessionEvent]struct{}),
		},
	}
}

func (p *eventPublisher) Publish(ctx context.Context, event dto.SessionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to encode session event")
		return
	}

	if p.redis != nil {
		if err := p.redis.Publish(ctx, config.CacheKey.ExamMonitorChannel(event.ExamID), payload).Err(); err != nil {
			p.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to publish session event to redis")
		}
	} else {
		p.local.broadcast(event)
	}

	if p.nats != nil {
		if err := p.nats.Publish(config.CacheKey.ExamMonitorSubject(event.ExamID), payload); err != nil {
			p.logger.Warn().Err(err).Str("event", event.Type).Msg("failed to publish session event to nats")
		}
	}
}

func (p *eventPublisher) Subscribe(ctx context.Context, examID uint) (<-chan dto.SessionEvent, func(), error) {
	if p.redis == nil {
		channel := make(chan dto.SessionEvent, monitorBufferSize)
		p.local.subscribe(examID, channel)
		return channel, func() { p.local.unsubscribe(examID, channel) }, nil
	}

	pubsub := p.redis.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan dto.SessionEvent, monitorBufferSize)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event dto.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					p.logger.Warn().Err(err).Msg("invalid session event payload")
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	cleanup := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				p.logger.Debug().Err(err).Msg("failed to close monitor subscription")
			}
		})
	}

	return out, cleanup, nil
}

func (b *monitorBroker) subscribe(examID uint, ch chan dto.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[examID]; !exists {
		b.subscribers[examID] = make(map[chan dto.SessionEvent]struct{})
	}
	b.subscribers[examID][ch] = struct{}{}
}

func (b *monitorBroker) unsubscribe(examID uint, ch chan dto.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[examID]; ok {
		if _, present := subscribers[ch]; !present {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, examID)
		}
	}
}

func (b *monitorBroker) broadcast(event dto.SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.ExamID] {
		select {
		case ch <- event:
		default:
		}
	}
}
