// ABOUTME: Sync job lifecycle events for consumers that do not poll status
// ABOUTME: Publishes to NATS JetStream with per-transition dedup ids, or drops events when disabled
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	StreamName    = "SYNC_EVENTS"
	subjectPrefix = "sync.job"
)

type Kind string

const (
	JobStarted   Kind = "started"
	JobProgress  Kind = "progress"
	JobCompleted Kind = "completed"
	JobFailed    Kind = "failed"
	JobCancelled Kind = "cancelled"
)

// JobEvent is the payload published on every job transition.
type JobEvent struct {
	Kind      Kind      `json:"kind"`
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	SyncType  string    `json:"sync_type"`
	Status    string    `json:"status,omitempty"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Subject is sync.job.<kind>.<sync type>.
func (e JobEvent) Subject() string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, e.Kind, e.SyncType)
}

// MsgID dedups redelivery of the same transition. Progress events are keyed
// by their counters so distinct progress points are all kept.
func (e JobEvent) MsgID() string {
	if e.Kind == JobProgress {
		return fmt.Sprintf("%s:%s:%d:%d", e.JobID, e.Kind, e.Processed, e.Failed)
	}
	return fmt.Sprintf("%s:%s", e.JobID, e.Kind)
}

type Publisher interface {
	Publish(ctx context.Context, event JobEvent) error
	Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, JobEvent) error { return nil }
func (Nop) Close()                                  {}

// JetStream publishes events to a NATS JetStream stream.
type JetStream struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewJetStream(url string) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("mailsync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &JetStream{nc: nc, js: js}, nil
}

// EnsureStream creates the sync events stream when it is missing.
func (p *JetStream) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (p *JetStream) Publish(ctx context.Context, event JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := p.js.Publish(event.Subject(), payload, nats.MsgId(event.MsgID()), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Subject(), err)
	}
	return nil
}

func (p *JetStream) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
