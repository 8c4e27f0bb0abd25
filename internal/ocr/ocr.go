// Package ocr turns receipt images into text with an external engine.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"tally/internal/core"
	"tally/internal/log"
)

const DefaultCommand = "tesseract stdin stdout"

// CommandRecognizer pipes the image into a command and reads text from its
// stdout.
type CommandRecognizer struct {
	name    string
	args    []string
	timeout time.Duration
	logger  *log.Logger
}

func NewCommandRecognizer(command string, timeout time.Duration, logger *log.Logger) (*CommandRecognizer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("ocr command is empty")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandRecognizer{
		name:    fields[0],
		args:    fields[1:],
		timeout: timeout,
		logger:  logger.WithComponent(log.ComponentOCR),
	}, nil
}

// Available reports whether the command can be found on PATH.
func (r *CommandRecognizer) Available() error {
	if _, err := exec.LookPath(r.name); err != nil {
		return fmt.Errorf("ocr engine %q: %w", r.name, err)
	}
	return nil
}

func (r *CommandRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.name, r.args...)
	cmd.Stdin = bytes.NewReader(image)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", fmt.Errorf("%w: run %s: %w: %s", core.ErrUpstream, r.name, err, firstLine(stderr.String()))
	}

	text := stdout.String()
	r.logger.DebugContext(ctx, "Recognized text",
		"chars", len(text),
		log.FieldDuration, time.Since(start).Milliseconds())
	return text, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
