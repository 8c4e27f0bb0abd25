package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goption "google.golang.org/api/option"

	"tally/internal/log"
	ports "tally/internal/sheets"
)

type appendCall struct {
	path   string
	query  map[string]string
	values [][]any
}

// fakeSheets answers the values:append endpoint and records each call.
type fakeSheets struct {
	mu    sync.Mutex
	calls []appendCall
	fail  bool
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.fail {
		http.Error(w, `{"error":{"code":503,"message":"backend error"}}`, http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Values [][]any `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, appendCall{
		path: r.URL.Path,
		query: map[string]string{
			"valueInputOption": r.URL.Query().Get("valueInputOption"),
			"insertDataOption": r.URL.Query().Get("insertDataOption"),
		},
		values: body.Values,
	})
	row := len(f.calls) + 1
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"updates": map[string]any{"updatedRange": "Receipts!A" + strconv.Itoa(row) + ":H" + strconv.Itoa(row)},
	})
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Config{SpreadsheetID: "sheet-1"}, log.Discard(),
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithHTTPClient(srv.Client()),
		goption.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return c
}

func receipt() ports.Receipt {
	return ports.Receipt{
		SubmissionID: "sub-1",
		Sender:       "+15550000001",
		Period:       "2025-10",
		Amount:       "12.95",
		NewTotal:     "40.00",
		EnergyKWh:    "34.9",
		Fingerprint:  strings.Repeat("a", 64),
		AcceptedAt:   time.Date(2025, 10, 16, 9, 30, 0, 0, time.UTC),
	}
}

func TestAppendReceipt(t *testing.T) {
	fake := &fakeSheets{}
	c := newTestClient(t, fake)
	ctx := context.Background()

	ref, err := c.AppendReceipt(ctx, receipt())
	require.NoError(t, err)
	assert.Equal(t, "Receipts!A2:H2", ref)

	ref, err = c.AppendReceipt(ctx, receipt())
	require.NoError(t, err)
	assert.Equal(t, "Receipts!A3:H3", ref)

	require.Len(t, fake.calls, 2)
	call := fake.calls[0]
	assert.True(t, strings.HasPrefix(call.path, "/v4/spreadsheets/sheet-1/values/"), call.path)
	assert.True(t, strings.HasSuffix(call.path, ":append"), call.path)
	assert.Contains(t, call.path, "Receipts!A:H")
	assert.Equal(t, "USER_ENTERED", call.query["valueInputOption"])
	assert.Equal(t, "INSERT_ROWS", call.query["insertDataOption"])
	require.Len(t, call.values, 1)
	assert.Equal(t, []any{
		"2025-10-16T09:30:00Z", "2025-10", "+15550000001", "12.95", "40.00", "34.9", "sub-1", strings.Repeat("a", 64),
	}, call.values[0])
}

func TestAppendReceiptError(t *testing.T) {
	c := newTestClient(t, &fakeSheets{fail: true})

	_, err := c.AppendReceipt(context.Background(), receipt())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append to sheet Receipts")
}

func TestAppendReceiptWithoutService(t *testing.T) {
	c := &Client{spreadsheetID: "sheet-1", sheet: "Receipts", logger: log.Discard()}
	_, err := c.AppendReceipt(context.Background(), receipt())
	assert.EqualError(t, err, "sheets service not initialized")
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{}, log.Discard())
	assert.EqualError(t, err, "missing spreadsheet id")

	_, err = New(ctx, Config{
		SpreadsheetID:   "sheet-1",
		CredentialsFile: filepath.Join(t.TempDir(), "missing.json"),
	}, log.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read service account file")
}

func TestCredentialsPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"from":"file"}`), 0o600))

	got, err := credentials(Config{CredentialsJSON: `{"from":"env"}`, CredentialsFile: file})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"env"}`, string(got))

	got, err = credentials(Config{CredentialsFile: file})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"file"}`, string(got))

	got, err = credentials(Config{})
	require.NoError(t, err)
	assert.Nil(t, got)
}
