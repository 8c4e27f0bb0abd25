// Package worker reacts to ledger events outside the request path.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tally/internal/cache"
	"tally/internal/core"
	"tally/internal/events"
	"tally/internal/log"
	"tally/internal/storage"
)

// Notifier delivers a short text message to a phone number.
type Notifier interface {
	Notify(ctx context.Context, to core.Sender, message string) error
}

// LogNotifier writes notifications to the log. It stands in for an outbound
// SMS gateway.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(ctx context.Context, to core.Sender, message string) error {
	logger := n.Logger
	if logger == nil {
		logger = log.FromContext(ctx)
	}
	logger.InfoContext(ctx, "Notification", "to", to, "message", message)
	return nil
}

// NotifyWorker tells the admin about every accepted receipt.
type NotifyWorker struct {
	admin    core.Sender
	notifier Notifier
	audit    storage.AuditLog
	seen     *cache.LRU[struct{}]
	logger   *log.Logger
}

func NewNotifyWorker(admin core.Sender, notifier Notifier, audit storage.AuditLog, logger *log.Logger) *NotifyWorker {
	if logger == nil {
		logger = log.Default()
	}
	return &NotifyWorker{
		admin:    admin,
		notifier: notifier,
		audit:    audit,
		seen:     cache.NewLRU[struct{}](10_000, 24*time.Hour),
		logger:   logger.WithComponent(log.ComponentWorker),
	}
}

// Seen exposes the redelivery cache so a cache.Janitor can sweep it.
func (w *NotifyWorker) Seen() cache.Sweeper {
	return w.seen
}

// HandleAccepted is an events.Handler. Redelivered events are acknowledged
// without notifying twice.
func (w *NotifyWorker) HandleAccepted(ctx context.Context, ev events.SubmissionAccepted) error {
	logger := w.logger.With(log.FieldSubmissionID, ev.SubmissionID, log.FieldSender, ev.Sender)

	if _, ok := w.seen.Get(ev.EventID); ok {
		logger.DebugContext(ctx, "Skipping redelivered event", "event_id", ev.EventID)
		return nil
	}
	if w.admin == "" {
		logger.DebugContext(ctx, "No admin configured, dropping notification")
		w.seen.Set(ev.EventID, struct{}{})
		return nil
	}

	if err := w.notifier.Notify(ctx, w.admin, FormatAccepted(ev)); err != nil {
		return fmt.Errorf("notify admin: %w", err)
	}
	w.seen.Set(ev.EventID, struct{}{})
	logger.InfoContext(ctx, "Admin notified of accepted receipt", log.FieldAmount, ev.Amount)
	return nil
}

// DigestRecent sends the admin a summary of the most recent rejected
// attempts. Nothing is sent when there are none.
func (w *NotifyWorker) DigestRecent(ctx context.Context, limit int) error {
	if w.admin == "" || w.audit == nil {
		return nil
	}
	evs, err := w.audit.ListAudit(ctx, "", limit)
	if err != nil {
		return fmt.Errorf("list audit events: %w", err)
	}
	if len(evs) == 0 {
		return nil
	}
	if err := w.notifier.Notify(ctx, w.admin, FormatDigest(evs)); err != nil {
		return fmt.Errorf("notify admin: %w", err)
	}
	return nil
}

// FormatAccepted renders the admin message for one accepted receipt.
func FormatAccepted(ev events.SubmissionAccepted) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Receipt from %s: $%s (month %s total $%s)", ev.Sender, ev.Amount, ev.Period, ev.NewTotal)
	if kwh := ev.Metadata[storage.MetaEnergyKWh]; kwh != "" {
		fmt.Fprintf(&b, ", %s kWh", kwh)
	}
	return b.String()
}

// FormatDigest renders rejected attempts one per line, newest first.
func FormatDigest(evs []core.AuditEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d rejected attempts:", len(evs))
	for _, ev := range evs {
		fmt.Fprintf(&b, "\n%s %s %s", ev.OccurredAt.UTC().Format("01/02 15:04"), ev.Sender, ev.Action)
	}
	return b.String()
}
