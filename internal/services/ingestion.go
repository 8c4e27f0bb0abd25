package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/events"
	"tally/internal/extract"
	"tally/internal/log"
	"tally/internal/metrics"
	"tally/internal/storage"
)

// Collaborators of the pipeline.
type (
	ImageSource interface {
		Fetch(ctx context.Context, ref string) ([]byte, error)
	}

	TextRecognizer interface {
		Recognize(ctx context.Context, image []byte) (string, error)
	}

	AllowList interface {
		Contains(sender core.Sender) bool
		IsEmpty() bool
	}

	AmountExtractor interface {
		Extract(text string) (decimal.Decimal, error)
	}
)

// IngestionDeps wires an IngestionService. Publisher, Metrics, Logger, Clock,
// NewID and Location are optional.
type IngestionDeps struct {
	Store      storage.Store
	Source     ImageSource
	Recognizer TextRecognizer
	AllowList  AllowList
	Extractor  AmountExtractor
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *log.Logger
	Clock      func() time.Time
	NewID      func() string
	Location   *time.Location
}

// IngestionService turns an image reference into exactly one Outcome.
// It holds no per-submission state and is safe for concurrent use.
type IngestionService struct {
	store      storage.Store
	source     ImageSource
	recognizer TextRecognizer
	allow      AllowList
	extractor  AmountExtractor
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *log.Logger
	now        func() time.Time
	newID      func() string
	loc        *time.Location
}

func NewIngestionService(d IngestionDeps) *IngestionService {
	s := &IngestionService{
		store:      d.Store,
		source:     d.Source,
		recognizer: d.Recognizer,
		allow:      d.AllowList,
		extractor:  d.Extractor,
		publisher:  d.Publisher,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        d.Clock,
		newID:      d.NewID,
		loc:        d.Location,
	}
	if s.extractor == nil {
		s.extractor = extract.NewAmountExtractor(extract.DefaultMaxIntegerDigits)
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithComponent(log.ComponentPipeline)
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	return s
}

// CurrentPeriod is the calendar month of the service clock in its location.
func (s *IngestionService) CurrentPeriod() core.Period {
	return core.PeriodOf(s.now().In(s.loc))
}

// Submit ingests imageRef for sender into the current month.
func (s *IngestionService) Submit(ctx context.Context, sender core.Sender, imageRef string) (core.Outcome, error) {
	return s.SubmitForPeriod(ctx, sender, imageRef, s.CurrentPeriod())
}

// SubmitForPeriod runs one submission to a terminal Outcome. The returned
// error is non-nil only for storage failures and invalid input; business
// rejections and upstream failures are Outcomes.
func (s *IngestionService) SubmitForPeriod(ctx context.Context, sender core.Sender, imageRef string, period core.Period) (core.Outcome, error) {
	start := s.now()
	out := core.Outcome{SubmissionID: s.newID(), Sender: sender, Period: period}

	if err := sender.Validate(); err != nil {
		return out, err
	}
	if err := period.Validate(); err != nil {
		return out, err
	}
	if imageRef == "" {
		return out, core.ErrInvalidImage
	}

	logger := s.logger.With(log.FieldSubmissionID, out.SubmissionID, log.FieldSender, sender, log.FieldPeriod, period)
	ctx = log.IntoContext(ctx, logger)

	out, err := s.run(ctx, logger, out, imageRef)
	if err != nil {
		s.metrics.IncStorageError()
		logger.ErrorContext(ctx, "Submission aborted by storage failure", log.FieldError, err)
		return out, err
	}
	s.metrics.ObserveOutcome(out, start)
	return out, nil
}

func (s *IngestionService) run(ctx context.Context, logger *log.Logger, out core.Outcome, imageRef string) (core.Outcome, error) {
	if !s.Authorize(ctx, out.Sender) {
		out.Kind = core.OutcomeRejectedUnauthorized
		logger.WarnContext(ctx, "Rejected submission from sender not on allow-list")
		if err := s.audit(ctx, out, core.AuditUnauthorized, "sender not on allow-list"); err != nil {
			return out, err
		}
		return out, nil
	}

	image, err := s.source.Fetch(ctx, imageRef)
	if err == nil && len(image) == 0 {
		err = fmt.Errorf("%w: empty body", core.ErrInvalidImage)
	}
	if err != nil {
		return s.upstream(ctx, logger, out, "fetch image", err), nil
	}

	out.Fingerprint = core.FingerprintOf(image)
	logger = logger.With(log.FieldFingerprint, out.Fingerprint.Short())

	// Known images are turned away before claiming. A miss proves nothing;
	// Claim below is the atomic decision.
	if seen, err := s.store.Exists(ctx, out.Fingerprint); err != nil {
		logger.DebugContext(ctx, "Fingerprint lookup failed, deferring to claim", log.FieldError, err)
	} else if seen {
		return s.duplicate(ctx, logger, out)
	}

	err = s.store.Claim(ctx, storage.Claim{
		Hash:         out.Fingerprint,
		Owner:        out.Sender,
		SubmissionID: out.SubmissionID,
		ClaimedAt:    s.now(),
	})
	if errors.Is(err, core.ErrAlreadyExists) {
		return s.duplicate(ctx, logger, out)
	}
	if err != nil {
		return out, fmt.Errorf("claim fingerprint: %w", err)
	}

	// From here on the submission owns a claim and must reach a terminal
	// state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	text, err := s.recognizer.Recognize(ctx, image)
	if err != nil {
		if rerr := s.store.Release(ctx, out.Fingerprint, out.Sender); rerr != nil {
			logger.WarnContext(ctx, "Failed to release claim after recognition failure", log.FieldError, rerr)
		}
		return s.upstream(ctx, logger, out, "recognize text", err), nil
	}

	meta := readings(text, s.loc)
	amount, err := s.extractor.Extract(text)
	if errors.Is(err, core.ErrNoAmountFound) {
		meta[storage.MetaOutcome] = string(core.OutcomeRejectedNoAmount)
		if _, err := s.store.Settle(ctx, out.Fingerprint, storage.Settlement{
			Owner:     out.Sender,
			Accepted:  false,
			Metadata:  meta,
			SettledAt: s.now(),
		}); err != nil {
			s.releaseAfterFailure(ctx, logger, out)
			return out, fmt.Errorf("settle rejected fingerprint: %w", err)
		}
		out.Kind = core.OutcomeRejectedNoAmount
		logger.InfoContext(ctx, "No amount found in recognized text", "text_length", len(text))
		return out, nil
	}
	if err != nil {
		// The extractor is a collaborator like the recognizer: give the
		// claim back so the image can be retried.
		if rerr := s.store.Release(ctx, out.Fingerprint, out.Sender); rerr != nil {
			logger.WarnContext(ctx, "Failed to release claim after extraction failure", log.FieldError, rerr)
		}
		return s.upstream(ctx, logger, out, "extract amount", err), nil
	}

	meta[storage.MetaAmount] = amount.StringFixed(2)
	meta[storage.MetaPeriod] = string(out.Period)
	meta[storage.MetaOutcome] = string(core.OutcomeAccepted)
	total, err := s.store.Settle(ctx, out.Fingerprint, storage.Settlement{
		Owner:     out.Sender,
		Period:    out.Period,
		Amount:    amount,
		Accepted:  true,
		Metadata:  meta,
		SettledAt: s.now(),
	})
	if err != nil {
		s.releaseAfterFailure(ctx, logger, out)
		return out, fmt.Errorf("settle accepted fingerprint: %w", err)
	}

	out.Kind = core.OutcomeAccepted
	out.Amount = amount
	out.NewTotal = total
	logger.InfoContext(ctx, "Accepted receipt",
		log.FieldAmount, amount.StringFixed(2),
		log.FieldTotal, total.StringFixed(2))

	s.publish(ctx, logger, out, meta)
	return out, nil
}

// Authorize reports whether sender may submit. An empty allow-list admits
// everyone and says so in the log every time.
func (s *IngestionService) Authorize(ctx context.Context, sender core.Sender) bool {
	if s.allow == nil || s.allow.IsEmpty() {
		log.FromContext(ctx).WarnContext(ctx, "Allow-list is empty, admitting every sender", log.FieldSender, sender)
		return true
	}
	return s.allow.Contains(sender)
}

func (s *IngestionService) duplicate(ctx context.Context, logger *log.Logger, out core.Outcome) (core.Outcome, error) {
	out.Kind = core.OutcomeRejectedDuplicate
	logger.InfoContext(ctx, "Rejected duplicate image")
	if err := s.audit(ctx, out, core.AuditDuplicate, "image already submitted"); err != nil {
		return out, err
	}
	return out, nil
}

func (s *IngestionService) upstream(ctx context.Context, logger *log.Logger, out core.Outcome, step string, err error) core.Outcome {
	out.Kind = core.OutcomeUpstreamUnavailable
	out.Detail = fmt.Sprintf("%s: %v", step, err)
	logger.ErrorContext(ctx, "Upstream collaborator unavailable", log.FieldOperation, step, log.FieldError, err)
	return out
}

func (s *IngestionService) audit(ctx context.Context, out core.Outcome, action core.AuditAction, reason string) error {
	err := s.store.RecordAudit(ctx, core.AuditEvent{
		ID:           uuid.NewString(),
		SubmissionID: out.SubmissionID,
		Sender:       out.Sender,
		Action:       action,
		Reason:       reason,
		Fingerprint:  out.Fingerprint,
		OccurredAt:   s.now(),
	})
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// releaseAfterFailure gives the claim back when settling failed. If the store
// is down this fails too and the janitor picks the claim up later.
func (s *IngestionService) releaseAfterFailure(ctx context.Context, logger *log.Logger, out core.Outcome) {
	if err := s.store.Release(ctx, out.Fingerprint, out.Sender); err != nil {
		logger.WarnContext(ctx, "Claim left for the janitor", log.FieldError, err)
	}
}

func (s *IngestionService) publish(ctx context.Context, logger *log.Logger, out core.Outcome, meta map[string]string) {
	ev := events.NewSubmissionAccepted(out, meta, s.now())
	if err := s.publisher.PublishAccepted(ctx, ev); err != nil {
		s.metrics.IncPublishFailure()
		logger.WarnContext(ctx, "Failed to publish accepted event", log.FieldError, err)
	}
}

// readings collects the optional meter and timestamp values printed on the
// receipt.
func readings(text string, loc *time.Location) map[string]string {
	meta := make(map[string]string)
	if kwh, ok := extract.Energy(text); ok {
		meta[storage.MetaEnergyKWh] = kwh.String()
	}
	if ts, ok := extract.Timestamp(text, loc); ok {
		meta[storage.MetaOCRTime] = ts.Format(time.RFC3339)
	}
	return meta
}
