package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/core"
	"tally/internal/events"
	"tally/internal/extract"
	"tally/internal/log"
	"tally/internal/metrics"
	"tally/internal/storage"
	"tally/internal/storage/memory"
)

const (
	alice core.Sender = "+15550000001"
	bob   core.Sender = "+15550000002"
)

type fakeSource struct {
	mu     sync.Mutex
	images map[string][]byte
	err    error
	calls  int
}

func (f *fakeSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	img, ok := f.images[ref]
	if !ok {
		return nil, fmt.Errorf("%w: 404 for %s", core.ErrUpstream, ref)
	}
	return img, nil
}

// fakeRecognizer treats the image bytes as already recognized text.
type fakeRecognizer struct {
	err   atomic.Value // error
	calls atomic.Int32
	hook  func(ctx context.Context)
}

func (f *fakeRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	f.calls.Add(1)
	if f.hook != nil {
		f.hook(ctx)
	}
	if err, _ := f.err.Load().(error); err != nil {
		return "", err
	}
	return string(image), nil
}

func (f *fakeRecognizer) fail(err error) { f.err.Store(err) }

type staticAllowList map[core.Sender]bool

func (a staticAllowList) Contains(s core.Sender) bool { return a[s] }
func (a staticAllowList) IsEmpty() bool               { return len(a) == 0 }

type harness struct {
	store      *memory.Store
	source     *fakeSource
	recognizer *fakeRecognizer
	events     *events.Recorder
	metrics    *metrics.Metrics
	svc        *IngestionService
}

var october = time.Date(2025, 10, 16, 9, 30, 0, 0, time.UTC)

func newHarness(t *testing.T, allow staticAllowList, store storage.Store) *harness {
	t.Helper()
	mem := memory.New()
	if store == nil {
		store = mem
	}
	h := &harness{
		store:      mem,
		source:     &fakeSource{images: map[string][]byte{}},
		recognizer: &fakeRecognizer{},
		events:     &events.Recorder{},
		metrics:    metrics.New(),
	}
	h.svc = NewIngestionService(IngestionDeps{
		Store:      store,
		Source:     h.source,
		Recognizer: h.recognizer,
		AllowList:  allow,
		Publisher:  h.events,
		Metrics:    h.metrics,
		Logger:     log.Discard(),
		Clock:      func() time.Time { return october },
		Location:   time.UTC,
	})
	return h
}

func (h *harness) image(ref, text string) string {
	h.source.mu.Lock()
	defer h.source.mu.Unlock()
	h.source.images[ref] = []byte(text)
	return ref
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSubmitAccepted(t *testing.T) {
	h := newHarness(t, nil, nil)
	ref := h.image("img-1", "CHARGEPOINT\nEnergy 34.9 kWh\n10/15/2025 3:45 PM\nTotal due $12.95 today")

	out, err := h.svc.Submit(context.Background(), alice, ref)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAccepted, out.Kind)
	assert.True(t, out.Amount.Equal(dec("12.95")))
	assert.True(t, out.NewTotal.Equal(dec("12.95")))
	assert.Equal(t, core.Period("2025-10"), out.Period)
	assert.NotEmpty(t, out.SubmissionID)

	rec, err := h.store.Get(context.Background(), out.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, core.FingerprintSettled, rec.Status)
	assert.Equal(t, "12.95", rec.Metadata[storage.MetaAmount])
	assert.Equal(t, "34.9", rec.Metadata[storage.MetaEnergyKWh])
	assert.Equal(t, "2025-10-15T15:45:00Z", rec.Metadata[storage.MetaOCRTime])

	published := h.events.Events()
	require.Len(t, published, 1)
	assert.Equal(t, out.SubmissionID, published[0].SubmissionID)
	assert.Equal(t, "12.95", published[0].NewTotal)
}

func TestSubmitDuplicateIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.image("a", "Total $20.00")
	h.image("b", "Total $20.00") // same bytes under another reference

	first, err := h.svc.Submit(ctx, alice, "a")
	require.NoError(t, err)
	require.Equal(t, core.OutcomeAccepted, first.Kind)

	for _, tc := range []struct {
		sender core.Sender
		ref    string
	}{{alice, "a"}, {alice, "b"}, {bob, "a"}} {
		out, err := h.svc.Submit(ctx, tc.sender, tc.ref)
		require.NoError(t, err)
		assert.Equal(t, core.OutcomeRejectedDuplicate, out.Kind, "%s/%s", tc.sender, tc.ref)
		assert.Equal(t, first.Fingerprint, out.Fingerprint)
	}

	total, err := h.store.Total(ctx, alice, "2025-10")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("20.00")), "total %s", total)
	bobTotal, err := h.store.Total(ctx, bob, "2025-10")
	require.NoError(t, err)
	assert.True(t, bobTotal.IsZero())

	assert.EqualValues(t, 1, h.recognizer.calls.Load(), "duplicates never reach OCR")
	audit, err := h.store.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, core.AuditDuplicate, audit[0].Action)
	assert.Len(t, h.events.Events(), 1)
}

func TestSubmitNoAmountMarksImageSeen(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.image("blurry", "no amount here")

	out, err := h.svc.Submit(ctx, alice, "blurry")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeRejectedNoAmount, out.Kind)

	again, err := h.svc.Submit(ctx, alice, "blurry")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeRejectedDuplicate, again.Kind)
	assert.EqualValues(t, 1, h.recognizer.calls.Load())

	entries, err := h.store.Read(ctx, "2025-10")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitUnauthorized(t *testing.T) {
	h := newHarness(t, staticAllowList{bob: true}, nil)
	ctx := context.Background()
	h.image("img", "$5.00")

	out, err := h.svc.Submit(ctx, alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeRejectedUnauthorized, out.Kind)
	assert.Zero(t, h.source.calls, "unauthorized submissions are not fetched")

	audit, err := h.store.ListAudit(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, core.AuditUnauthorized, audit[0].Action)
	assert.Equal(t, october, audit[0].OccurredAt)

	ok, err := h.store.Exists(ctx, core.FingerprintOf([]byte("$5.00")))
	require.NoError(t, err)
	assert.False(t, ok)

	out, err = h.svc.Submit(ctx, bob, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAccepted, out.Kind)
}

func TestEmptyAllowListAdmitsEveryone(t *testing.T) {
	h := newHarness(t, staticAllowList{}, nil)
	assert.True(t, h.svc.Authorize(context.Background(), "+393331234567"))
}

func TestSubmitFetchFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.source.err = errors.New("connection reset")

	out, err := h.svc.Submit(context.Background(), alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeUpstreamUnavailable, out.Kind)
	assert.Contains(t, out.Detail, "fetch image")
	assert.False(t, out.Rejected())
	assert.Empty(t, out.Fingerprint)
}

func TestSubmitEmptyImageIsUpstreamFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.image("empty", "")
	out, err := h.svc.Submit(context.Background(), alice, "empty")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeUpstreamUnavailable, out.Kind)
}

func TestSubmitRecognizerFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.image("img", "Total $7.25")
	h.recognizer.fail(errors.New("engine crashed"))

	out, err := h.svc.Submit(ctx, alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeUpstreamUnavailable, out.Kind)
	assert.Contains(t, out.Detail, "recognize text")

	ok, err := h.store.Exists(ctx, out.Fingerprint)
	require.NoError(t, err)
	assert.False(t, ok, "engine failure must not burn the image")

	h.recognizer.fail(nil)
	out, err = h.svc.Submit(ctx, alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAccepted, out.Kind)
}

func TestConcurrentSameImageExactlyOneAccepted(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.image("img", "Total $3.00")
	const n = 25

	var accepted, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := alice
			if i%2 == 0 {
				sender = bob
			}
			out, err := h.svc.Submit(context.Background(), sender, "img")
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			switch out.Kind {
			case core.OutcomeAccepted:
				accepted.Add(1)
			case core.OutcomeRejectedDuplicate:
				dup.Add(1)
			default:
				t.Errorf("unexpected outcome %s", out.Kind)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, n-1, dup.Load())

	entries, err := h.store.Read(context.Background(), "2025-10")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Total.Equal(dec("3.00")))
}

func TestConcurrentDistinctImagesAreAdditive(t *testing.T) {
	h := newHarness(t, nil, nil)
	amounts := []string{"0.10", "0.20", "0.30", "1.99", "12.95", "100.00", "0.01", "5.55"}
	want := decimal.Zero
	for i, a := range amounts {
		h.image(fmt.Sprintf("img-%d", i), fmt.Sprintf("receipt %d\nTotal $%s", i, a))
		want = want.Add(dec(a))
	}

	var wg sync.WaitGroup
	for i := range amounts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.svc.Submit(context.Background(), alice, fmt.Sprintf("img-%d", i))
			if err != nil || out.Kind != core.OutcomeAccepted {
				t.Errorf("submit %d: %v %v", i, out.Kind, err)
			}
		}(i)
	}
	wg.Wait()

	total, err := h.store.Total(context.Background(), alice, "2025-10")
	require.NoError(t, err)
	assert.True(t, total.Equal(want), "total %s want %s", total, want)
}

func TestPeriodBoundary(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.image("sep", "September $10.00")
	h.image("oct", "October $10.00")

	sep, err := h.svc.SubmitForPeriod(ctx, alice, "sep", "2025-09")
	require.NoError(t, err)
	oct, err := h.svc.SubmitForPeriod(ctx, alice, "oct", "2025-10")
	require.NoError(t, err)
	assert.True(t, sep.NewTotal.Equal(dec("10.00")))
	assert.True(t, oct.NewTotal.Equal(dec("10.00")))

	months, err := h.store.History(ctx, alice)
	require.NoError(t, err)
	require.Len(t, months, 2)
	assert.Equal(t, core.Period("2025-10"), months[0].Period)
	assert.Equal(t, core.Period("2025-09"), months[1].Period)
}

func TestCurrentPeriodUsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	svc := NewIngestionService(IngestionDeps{
		Store:    memory.New(),
		Clock:    func() time.Time { return time.Date(2025, 11, 1, 2, 0, 0, 0, time.UTC) },
		Location: ny,
		Logger:   log.Discard(),
	})
	assert.Equal(t, core.Period("2025-10"), svc.CurrentPeriod())
}

// failingSettle wraps a memory store whose Settle always fails like a lost
// database connection would.
type failingSettle struct {
	*memory.Store
}

func (f failingSettle) Settle(context.Context, core.Fingerprint, storage.Settlement) (decimal.Decimal, error) {
	return decimal.Zero, storage.Wrap("settle", errors.New("database is locked"))
}

func TestStorageFailureLeavesNoPartialState(t *testing.T) {
	mem := memory.New()
	h := newHarness(t, nil, failingSettle{mem})
	h.store = mem
	ctx := context.Background()
	h.image("img", "Total $9.99")

	out, err := h.svc.Submit(ctx, alice, "img")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStorage)
	assert.NotEqual(t, core.OutcomeAccepted, out.Kind)

	ok, err := mem.Exists(ctx, core.FingerprintOf([]byte("Total $9.99")))
	require.NoError(t, err)
	assert.False(t, ok)
	total, err := mem.Total(ctx, alice, "2025-10")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
	assert.Empty(t, h.events.Events())
}

func TestSubmissionSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.image("img", "Total $4.00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sawErr error
	h.recognizer.hook = func(ctx context.Context) {
		cancel()
		sawErr = ctx.Err()
	}

	out, err := h.svc.Submit(ctx, alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAccepted, out.Kind)
	assert.NoError(t, sawErr)
}

func TestPublishFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.events.FailWith(errors.New("broker down"))
	h.image("img", "Total $1.00")

	out, err := h.svc.Submit(context.Background(), alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAccepted, out.Kind)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.svc.Submit(context.Background(), "not-a-phone", "img")
	assert.ErrorIs(t, err, core.ErrInvalidSender)
	_, err = h.svc.Submit(context.Background(), alice, "")
	assert.ErrorIs(t, err, core.ErrInvalidImage)
	_, err = h.svc.SubmitForPeriod(context.Background(), alice, "img", "2025-13")
	assert.ErrorIs(t, err, core.ErrInvalidPeriod)
}

// countingClaims records how often the pipeline reaches the atomic claim.
type countingClaims struct {
	storage.Store
	claims atomic.Int32
}

func (c *countingClaims) Claim(ctx context.Context, cl storage.Claim) error {
	c.claims.Add(1)
	return c.Store.Claim(ctx, cl)
}

func TestKnownImageRejectedBeforeClaim(t *testing.T) {
	mem := memory.New()
	cached := storage.NewCachedStore(mem, 16, time.Hour)
	counting := &countingClaims{Store: cached}
	h := newHarness(t, nil, counting)
	h.store = mem
	ctx := context.Background()
	h.image("img", "Total $6.50")

	first, err := h.svc.Submit(ctx, alice, "img")
	require.NoError(t, err)
	require.Equal(t, core.OutcomeAccepted, first.Kind)
	require.Equal(t, 1, cached.Cache().Len(), "settled fingerprint is cached")

	second, err := h.svc.Submit(ctx, bob, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeRejectedDuplicate, second.Kind)
	assert.Equal(t, int32(1), counting.claims.Load(), "known image never reaches Claim")

	audit, err := mem.ListAudit(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, core.AuditDuplicate, audit[0].Action)
}

type failingExtractor struct{ err error }

func (f failingExtractor) Extract(string) (decimal.Decimal, error) { return decimal.Zero, f.err }

func TestExtractorFailureIsUpstreamAndReleasesClaim(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.svc.extractor = failingExtractor{err: errors.New("model not loaded")}
	ctx := context.Background()
	h.image("img", "Total $8.00")

	out, err := h.svc.Submit(ctx, alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeUpstreamUnavailable, out.Kind)
	assert.Contains(t, out.Detail, "extract amount")
	assert.Zero(t, testutil.ToFloat64(h.metrics.StorageErrors))

	seen, err := h.store.Exists(ctx, out.Fingerprint)
	require.NoError(t, err)
	assert.False(t, seen, "claim released")

	h.svc.extractor = extract.NewAmountExtractor(extract.DefaultMaxIntegerDigits)
	retry, err := h.svc.Submit(ctx, alice, "img")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAccepted, retry.Kind)
}
