package http

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/allowlist"
	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/metrics"
	"tally/internal/services"
	"tally/internal/storage/memory"
)

const (
	alice = "+15550000001"
	bob   = "+15550000002"
	admin = "+15559990000"
)

var now = time.Date(2025, 10, 16, 9, 30, 0, 0, time.UTC)

type mapSource struct {
	mu     sync.Mutex
	images map[string]string
}

func (m *mapSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[ref]
	if !ok {
		return nil, fmt.Errorf("%w: 404", core.ErrUpstream)
	}
	return []byte(img), nil
}

type echoRecognizer struct{}

func (echoRecognizer) Recognize(_ context.Context, image []byte) (string, error) {
	if strings.HasPrefix(string(image), "CORRUPT") {
		return "", errors.New("engine failed")
	}
	return string(image), nil
}

type fixture struct {
	srv    *Server
	store  *memory.Store
	source *mapSource
}

func newFixture(t *testing.T, allowed string, opts ...func(*Config)) *fixture {
	t.Helper()
	store := memory.New()
	source := &mapSource{images: map[string]string{}}
	allow, err := allowlist.Parse(allowed)
	require.NoError(t, err)

	clock := func() time.Time { return now }
	ingest := services.NewIngestionService(services.IngestionDeps{
		Store:      store,
		Source:     source,
		Recognizer: echoRecognizer{},
		AllowList:  allow,
		Logger:     log.Discard(),
		Clock:      clock,
		Location:   time.UTC,
	})
	reports := services.NewReportService(store, time.UTC).WithClock(clock)

	cfg := Config{Addr: ":0", Admin: admin}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := NewServer(cfg, Deps{
		Submitter:    ingest,
		Reports:      reports,
		Fingerprints: store,
		Health:       store,
		Metrics:      metrics.New(),
		Logger:       log.Discard(),
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &fixture{srv: srv, store: store, source: source}
}

func (f *fixture) image(ref, text string) string {
	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	f.source.images[ref] = text
	return ref
}

func (f *fixture) sms(t *testing.T, from string, form url.Values) (int, string) {
	t.Helper()
	form.Set("From", from)
	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, req)

	var resp twiml
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp.Message
}

func media(ref string) url.Values {
	return url.Values{"NumMedia": {"1"}, "MediaUrl0": {ref}}
}

func text(body string) url.Values {
	return url.Values{"NumMedia": {"0"}, "Body": {body}}
}

func TestSMSReceiptFlow(t *testing.T) {
	f := newFixture(t, alice+","+bob)
	f.image("https://media/1", "Total due $12.95 today")
	f.image("https://media/2", "Total $7.05")
	f.image("https://media/blurry", "nothing useful")
	f.image("https://media/broken", "CORRUPT")

	code, msg := f.sms(t, alice, media("https://media/1"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Added $12.95. Total for 2025-10: $12.95", msg)

	_, msg = f.sms(t, alice, media("https://media/2"))
	assert.Equal(t, "Added $7.05. Total for 2025-10: $20.00", msg)

	_, msg = f.sms(t, bob, media("https://media/1"))
	assert.Equal(t, ReplyDuplicate, msg)

	_, msg = f.sms(t, alice, media("https://media/blurry"))
	assert.Equal(t, ReplyNoAmount, msg)

	_, msg = f.sms(t, alice, media("https://media/broken"))
	assert.Equal(t, ReplyTryAgain, msg)

	_, msg = f.sms(t, alice, media("https://media/missing"))
	assert.Equal(t, ReplyTryAgain, msg)

	_, msg = f.sms(t, "+15550000099", media("https://media/2"))
	assert.Equal(t, ReplyUnauthorized, msg)
}

func TestSMSAdminReceiptCredited(t *testing.T) {
	f := newFixture(t, alice+","+bob, func(c *Config) { c.CreditAdminTo = bob })
	f.image("https://media/1", "Total $12.95")
	f.image("https://media/2", "Total $1.05")

	_, msg := f.sms(t, admin, media("https://media/1"))
	assert.Equal(t, "Added $12.95. Total for 2025-10: $12.95", msg)

	_, msg = f.sms(t, alice, media("https://media/2"))
	assert.Equal(t, "Added $1.05. Total for 2025-10: $1.05", msg)

	ctx := context.Background()
	total, err := f.store.Total(ctx, bob, "2025-10")
	require.NoError(t, err)
	assert.Equal(t, "12.95", total.StringFixed(2))
	total, err = f.store.Total(ctx, admin, "2025-10")
	require.NoError(t, err)
	assert.True(t, total.IsZero(), "admin is never credited")

	rec, err := f.store.Get(ctx, core.FingerprintOf([]byte("Total $12.95")))
	require.NoError(t, err)
	assert.Equal(t, core.Sender(bob), rec.Owner)
}

func TestSMSCommands(t *testing.T) {
	f := newFixture(t, alice+","+bob)
	ctx := context.Background()
	_, err := f.store.Accumulate(ctx, alice, "2025-10", dec("20.00"))
	require.NoError(t, err)
	_, err = f.store.Accumulate(ctx, alice, "2025-09", dec("40.00"))
	require.NoError(t, err)
	_, err = f.store.Accumulate(ctx, bob, "2025-10", dec("3.50"))
	require.NoError(t, err)

	tests := []struct {
		name string
		from string
		body string
		want string
	}{
		{"current total", alice, "Get Total", "Current month (2025-10): $20.00"},
		{"last total", alice, "get  last total", "Last month (2025-09): $40.00"},
		{"history", alice, "get all", "All monthly totals:\n\n2025-10: $20.00\n2025-09: $40.00\n\nGrand total: $60.00"},
		{"empty history", bob, "get last total", "Last month (2025-09): $0.00"},
		{"unknown", alice, "hello", ReplyUnknown},
		{"admin command from user", alice, "status", ReplyUnknown},
		{"empty body", alice, "", ReplyNoImage},
		{"unauthorized", "+15550000099", "get total", ReplyUnauthorized},
		{"admin status", admin, "status", "Status for 2025-10:\n\n+15550000001: $20.00\n+15550000002: $3.50\n\nTotal: $23.50"},
		{"admin user", admin, "user (555) 000-0001", "History for +15550000001:\n\n2025-10: $20.00\n2025-09: $40.00\n\nTotal: $60.00"},
		{"admin user unknown", admin, "user 5550000077", "No transactions found for +15550000077"},
		{"admin unknown", admin, "backup", ReplyUnknownAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := f.sms(t, tt.from, text(tt.body))
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestSMSInvalidSender(t *testing.T) {
	f := newFixture(t, "")
	code, msg := f.sms(t, "nobody", text("get total"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid sender.", msg)
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmissionsAPI(t *testing.T) {
	f := newFixture(t, "")
	f.image("https://media/a", "Total $12.95")

	rec := postJSON(t, f.srv.Handler, "/submissions", map[string]string{"sender": "5550000001", "image_url": "https://media/a"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp submissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Outcome)
	assert.Equal(t, alice, resp.Sender)
	assert.Equal(t, "12.95", resp.Amount)
	assert.Equal(t, "12.95", resp.NewTotal)
	assert.NotEmpty(t, resp.SubmissionID)

	rec = postJSON(t, f.srv.Handler, "/submissions", map[string]string{"sender": bob, "image_url": "https://media/a"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.image("https://media/b", "Total $1.00")
	rec = postJSON(t, f.srv.Handler, "/submissions", map[string]string{"sender": bob, "image_url": "https://media/b", "period": "2025-09"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2025-09", resp.Period)

	for name, body := range map[string]any{
		"bad sender":    map[string]string{"sender": "x", "image_url": "https://media/a"},
		"missing image": map[string]string{"sender": alice},
		"bad period":    map[string]string{"sender": alice, "image_url": "https://media/a", "period": "October"},
		"unknown field": map[string]string{"sender": alice, "image_url": "https://media/a", "amount": "5"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := postJSON(t, f.srv.Handler, "/submissions", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec = postJSON(t, f.srv.Handler, "/submissions", map[string]string{"sender": alice, "image_url": "https://media/missing"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestFingerprintLookup(t *testing.T) {
	f := newFixture(t, "")
	f.image("https://media/a", "Total $12.95")

	rec := postJSON(t, f.srv.Handler, "/submissions", map[string]string{"sender": alice, "image_url": "https://media/a"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	hash := core.FingerprintOf([]byte("Total $12.95"))
	rec = httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fingerprints/"+string(hash), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fp fingerprintResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fp))
	assert.Equal(t, string(hash), fp.Fingerprint)
	assert.Equal(t, "settled", fp.Status)
	assert.Equal(t, alice, fp.Owner)
	assert.NotEmpty(t, fp.SubmissionID)
	require.NotNil(t, fp.RecordedAt)
	assert.Equal(t, "12.95", fp.Metadata["amount"])

	tests := map[string]struct {
		hash string
		want int
	}{
		"short":      {hash: "abc", want: http.StatusBadRequest},
		"not hex":    {hash: strings.Repeat("z", 64), want: http.StatusBadRequest},
		"upper case": {hash: strings.ToUpper(string(hash)), want: http.StatusOK},
		"never seen": {hash: strings.Repeat("0", 64), want: http.StatusNotFound},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fingerprints/"+tt.hash, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStatusAndHistory(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	_, err := f.store.Accumulate(ctx, alice, "2025-10", dec("20.00"))
	require.NoError(t, err)
	_, err = f.store.Accumulate(ctx, bob, "2025-10", dec("0.10"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "2025-10", st.Month)
	assert.Len(t, st.Totals, 2)
	assert.Equal(t, "20.10", st.Total)

	rec = httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?month=2025-01", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Empty(t, st.Totals)
	assert.Equal(t, "0.00", st.Total)

	rec = httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?month=2025-13", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/senders/5550000001/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var h historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, alice, h.Sender)
	assert.Equal(t, "20.00", h.GrandTotal)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "")

	rec := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("database is closed") }

func TestHealthUnavailable(t *testing.T) {
	srv := NewServer(Config{}, Deps{Health: downPinger{}, Logger: log.Discard()})
	defer srv.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSMSRateLimitedPerSender(t *testing.T) {
	f := newFixture(t, "")
	limited := NewServer(Config{Admin: admin, RateLimit: rateLimitConfig(2)}, Deps{
		Submitter: f.srv.submitter,
		Reports:   f.srv.reports,
		Logger:    log.Discard(),
	})
	t.Cleanup(func() { _ = limited.Shutdown(context.Background()) })
	f.srv = limited

	for i := 0; i < 2; i++ {
		code, _ := f.sms(t, alice, text("get total"))
		require.Equal(t, http.StatusOK, code)
	}

	form := text("get total")
	form.Set("From", alice)
	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	code, _ := f.sms(t, bob, text("get total"))
	assert.Equal(t, http.StatusOK, code)
}
