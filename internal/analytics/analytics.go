// Package analytics is an async, best-effort sink for room-lifecycle and
// game-end summaries, grounded on internal/queue/queue.go's amqp091-go
// wrapper. It is never on the critical broadcast/store path: publishes are
// fire-and-forget from a bounded channel, and a nil/unconfigured Sink is a
// silent no-op, mirroring the teacher's `if cfg.RabbitMQURL != ""` guard.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event is one analytics record, published as JSON to the configured
// queue.
type Event struct {
	RoomID    string                 `json:"roomId"`
	Kind      string                 `json:"kind"` // "room_created", "room_ended", "game_ended", ...
	Game      string                 `json:"game,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink publishes Events to RabbitMQ in the background. The zero value (or
// a Sink built with NewNoop) drops every event silently.
type Sink struct {
	ch       chan Event
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	logger   *zap.Logger
	stopDone chan struct{}
}

// NewNoop returns a Sink that accepts and drops every event, used when no
// RABBITMQ_URL is configured.
func NewNoop() *Sink {
	return &Sink{}
}

// Connect dials url and starts the background publisher loop. Returns a
// no-op sink (with the dial error logged, not returned) if the connection
// fails, so analytics never blocks startup.
func Connect(url, queueName string, logger *zap.Logger) *Sink {
	conn, err := amqp.Dial(url)
	if err != nil {
		if logger != nil {
			logger.Warn("analytics: dial rabbitmq failed, disabling sink", zap.Error(err))
		}
		return NewNoop()
	}
	channel, err := conn.Channel()
	if err != nil {
		if logger != nil {
			logger.Warn("analytics: open channel failed, disabling sink", zap.Error(err))
		}
		conn.Close()
		return NewNoop()
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		if logger != nil {
			logger.Warn("analytics: declare queue failed, disabling sink", zap.Error(err))
		}
		channel.Close()
		conn.Close()
		return NewNoop()
	}

	s := &Sink{
		ch:       make(chan Event, 256),
		conn:     conn,
		channel:  channel,
		queue:    queueName,
		logger:   logger,
		stopDone: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Sink) loop() {
	defer close(s.stopDone)
	for ev := range s.ch {
		body, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.channel.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
		cancel()
		if err != nil && s.logger != nil {
			s.logger.Warn("analytics: publish failed", zap.Error(err))
		}
	}
}

// Publish enqueues ev for background delivery. Never blocks the caller
// beyond a full channel buffer, and drops silently if the sink is a no-op
// or the buffer is full.
func (s *Sink) Publish(ev Event) {
	if s == nil || s.ch == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case s.ch <- ev:
	default:
		if s.logger != nil {
			s.logger.Warn("analytics: dropping event, buffer full", zap.String("kind", ev.Kind))
		}
	}
}

// Close drains and shuts the sink down.
func (s *Sink) Close() {
	if s == nil || s.ch == nil {
		return
	}
	close(s.ch)
	<-s.stopDone
	s.channel.Close()
	s.conn.Close()
}
