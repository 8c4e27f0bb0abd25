// Package events carries ledger changes to whoever wants to hear about them.
// Publishing happens after the ledger commit and is best effort.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tally/internal/core"
)

const TypeSubmissionAccepted = "submission.accepted"

// SubmissionAccepted is published once per accepted receipt.
type SubmissionAccepted struct {
	EventID      string            `json:"event_id"`
	Type         string            `json:"type"`
	SubmissionID string            `json:"submission_id"`
	Sender       string            `json:"sender"`
	Period       string            `json:"period"`
	Amount       string            `json:"amount"`
	NewTotal     string            `json:"new_total"`
	Fingerprint  string            `json:"fingerprint"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// NewSubmissionAccepted builds the event for an accepted outcome.
func NewSubmissionAccepted(o core.Outcome, metadata map[string]string, at time.Time) SubmissionAccepted {
	return SubmissionAccepted{
		EventID:      uuid.NewString(),
		Type:         TypeSubmissionAccepted,
		SubmissionID: o.SubmissionID,
		Sender:       string(o.Sender),
		Period:       string(o.Period),
		Amount:       o.Amount.StringFixed(2),
		NewTotal:     o.NewTotal.StringFixed(2),
		Fingerprint:  string(o.Fingerprint),
		Metadata:     metadata,
		OccurredAt:   at.UTC(),
	}
}

func (e SubmissionAccepted) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalSubmissionAccepted(data []byte) (SubmissionAccepted, error) {
	var e SubmissionAccepted
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode submission accepted: %w", err)
	}
	if e.Type != TypeSubmissionAccepted {
		return e, fmt.Errorf("decode submission accepted: unexpected type %q", e.Type)
	}
	return e, nil
}

// Publisher sends domain events to a broker.
type Publisher interface {
	PublishAccepted(ctx context.Context, ev SubmissionAccepted) error
	Close() error
}

// Handler processes one delivered event. A non-nil error asks the broker to
// deliver it again.
type Handler func(ctx context.Context, ev SubmissionAccepted) error

// Consumer delivers events to a Handler until ctx ends.
type Consumer interface {
	ConsumeAccepted(ctx context.Context, handler Handler) error
	Close() error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) PublishAccepted(context.Context, SubmissionAccepted) error { return nil }

func (Nop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []SubmissionAccepted
	err    error
}

// FailWith makes every later publish return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) PublishAccepted(_ context.Context, ev SubmissionAccepted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []SubmissionAccepted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SubmissionAccepted(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }
