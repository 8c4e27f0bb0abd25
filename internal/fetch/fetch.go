// Package fetch retrieves submitted images by reference.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"tally/internal/core"
	"tally/internal/log"
)

const DefaultMaxBytes = 10 << 20

var ErrTooLarge = errors.New("image exceeds size limit")

// HTTPSource downloads media URLs, optionally with basic auth as required by
// SMS gateways that protect their media.
type HTTPSource struct {
	client   *http.Client
	username string
	password string
	maxBytes int64
	logger   *log.Logger
}

type Option func(*HTTPSource)

func WithBasicAuth(username, password string) Option {
	return func(s *HTTPSource) {
		s.username = username
		s.password = password
	}
}

func WithMaxBytes(n int64) Option {
	return func(s *HTTPSource) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithClient(c *http.Client) Option {
	return func(s *HTTPSource) { s.client = c }
}

func NewHTTPSource(timeout time.Duration, logger *log.Logger, opts ...Option) *HTTPSource {
	if logger == nil {
		logger = log.Default()
	}
	s := &HTTPSource{
		client:   &http.Client{Timeout: timeout},
		maxBytes: DefaultMaxBytes,
		logger:   logger.WithComponent(log.ComponentFetch),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fetch returns the body of ref. Transport failures and non-2xx responses
// wrap core.ErrUpstream.
func (s *HTTPSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: unsupported image reference %q", core.ErrInvalidImage, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", core.ErrUpstream, u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: get %s: status %d", core.ErrUpstream, u.Host, resp.StatusCode)
	}

	body, err := readLimited(resp.Body, s.maxBytes)
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "Fetched image",
		"host", u.Host,
		"bytes", len(body),
		log.FieldDuration, time.Since(start).Milliseconds())
	return body, nil
}

// FileSource reads images from the local filesystem. Used by the CLI.
type FileSource struct {
	MaxBytes int64
}

func (f FileSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	file, err := os.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", core.ErrUpstream, ref, err)
	}
	defer file.Close()
	max := f.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	return readLimited(file, max)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", core.ErrUpstream, err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("%w: %w (%d bytes)", core.ErrInvalidImage, ErrTooLarge, max)
	}
	return body, nil
}
