package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"tally/internal/log"
	ports "tally/internal/sheets"
)

// Config selects the spreadsheet and how to authenticate against it.
type Config struct {
	SpreadsheetID string
	// SheetName is the tab receipts are appended to (default "Receipts").
	SheetName string
	// CredentialsJSON wins over CredentialsFile.
	CredentialsJSON string
	CredentialsFile string
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheet         string
	logger        *log.Logger
}

var _ ports.ReceiptWriter = (*Client)(nil)

// New creates a Sheets client with service account credentials from cfg.
// Extra options are applied after the credentials.
func New(ctx context.Context, cfg Config, logger *log.Logger, opts ...goption.ClientOption) (*Client, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithComponent(log.ComponentSheets)

	creds, err := credentials(cfg)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		logger.InfoContext(ctx, "Using service account credentials", "size", len(creds))
		opts = append([]goption.ClientOption{
			goption.WithCredentialsJSON(creds),
			goption.WithScopes(gsheet.SpreadsheetsScope),
		}, opts...)
	}

	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	sheet := strings.TrimSpace(cfg.SheetName)
	if sheet == "" {
		sheet = "Receipts"
	}
	return &Client{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		sheet:         sheet,
		logger:        logger,
	}, nil
}

// credentials returns nil when neither source is set, leaving the choice to
// the caller's options or application default credentials.
func credentials(cfg Config) ([]byte, error) {
	if j := strings.TrimSpace(cfg.CredentialsJSON); j != "" {
		return []byte(j), nil
	}
	if f := strings.TrimSpace(cfg.CredentialsFile); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	}
	return nil, nil
}

// AppendReceipt adds r after the last row of the receipts tab.
func (c *Client) AppendReceipt(ctx context.Context, r ports.Receipt) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!A:H", c.sheet)
	vr := &gsheet.ValueRange{Values: [][]any{Row(r)}}

	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append to sheet %s: %w", c.sheet, err)
	}

	ref := rng
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		ref = resp.Updates.UpdatedRange
	}
	c.logger.DebugContext(ctx, "Appended receipt row", "range", ref, log.FieldSubmissionID, r.SubmissionID)
	return ref, nil
}

// Row is the column layout: accepted at, period, sender, amount, month
// total, kWh, submission id, fingerprint.
func Row(r ports.Receipt) []any {
	return []any{
		r.AcceptedAt.UTC().Format(time.RFC3339),
		r.Period,
		r.Sender,
		r.Amount,
		r.NewTotal,
		r.EnergyKWh,
		r.SubmissionID,
		r.Fingerprint,
	}
}
