// Package allowlist decides which senders may submit receipts.
package allowlist

import (
	"fmt"
	"sort"
	"strings"

	"tally/internal/core"
)

// Static is an immutable set of normalized senders.
type Static struct {
	senders map[core.Sender]struct{}
}

// New normalizes every entry. Blank entries are skipped; malformed ones fail.
func New(raw []string) (*Static, error) {
	s := &Static{senders: make(map[core.Sender]struct{}, len(raw))}
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		sender, err := core.NormalizeSender(r)
		if err != nil {
			return nil, fmt.Errorf("allow-list entry %q: %w", r, err)
		}
		s.senders[sender] = struct{}{}
	}
	return s, nil
}

// Parse reads a comma separated list such as the WHITELIST_NUMBERS variable.
func Parse(csv string) (*Static, error) {
	return New(strings.Split(csv, ","))
}

func (s *Static) Contains(sender core.Sender) bool {
	_, ok := s.senders[sender]
	return ok
}

func (s *Static) IsEmpty() bool {
	return len(s.senders) == 0
}

func (s *Static) Len() int {
	return len(s.senders)
}

// Senders returns the members in sorted order.
func (s *Static) Senders() []core.Sender {
	out := make([]core.Sender, 0, len(s.senders))
	for sender := range s.senders {
		out = append(out, sender)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
