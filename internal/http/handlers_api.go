package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tally/internal/core"
	"tally/internal/log"
)

type submissionRequest struct {
	Sender   string `json:"sender"`
	ImageURL string `json:"image_url"`
	Period   string `json:"period,omitempty"`
}

type submissionResponse struct {
	SubmissionID string `json:"submission_id"`
	Outcome      string `json:"outcome"`
	Sender       string `json:"sender"`
	Period       string `json:"period"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Amount       string `json:"amount,omitempty"`
	NewTotal     string `json:"new_total,omitempty"`
	Message      string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type senderTotal struct {
	Sender string `json:"sender"`
	Total  string `json:"total"`
}

type statusResponse struct {
	Month  string        `json:"month"`
	Totals []senderTotal `json:"totals"`
	Total  string        `json:"total"`
}

type monthTotal struct {
	Month string `json:"month"`
	Total string `json:"total"`
}

type historyResponse struct {
	Sender     string       `json:"sender"`
	Months     []monthTotal `json:"months"`
	GrandTotal string       `json:"grand_total"`
}

type fingerprintResponse struct {
	Fingerprint  string            `json:"fingerprint"`
	Status       string            `json:"status"`
	Owner        string            `json:"owner"`
	SubmissionID string            `json:"submission_id"`
	ClaimedAt    time.Time         `json:"claimed_at"`
	RecordedAt   *time.Time        `json:"recorded_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

var outcomeStatus = map[core.OutcomeKind]int{
	core.OutcomeAccepted:             http.StatusCreated,
	core.OutcomeRejectedDuplicate:    http.StatusConflict,
	core.OutcomeRejectedNoAmount:     http.StatusUnprocessableEntity,
	core.OutcomeRejectedUnauthorized: http.StatusForbidden,
	core.OutcomeUpstreamUnavailable:  http.StatusBadGateway,
}

// handleSubmission is the JSON counterpart of the SMS webhook.
func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submissionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	sender, err := core.NormalizeSender(req.Sender)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sender"})
		return
	}
	ref := strings.TrimSpace(req.ImageURL)
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "image_url is required"})
		return
	}

	var out core.Outcome
	if req.Period != "" {
		period, perr := core.ParsePeriod(req.Period)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid period"})
			return
		}
		out, err = s.submitter.SubmitForPeriod(ctx, sender, ref, period)
	} else {
		out, err = s.submitter.Submit(ctx, sender, ref)
	}
	if err != nil {
		if errors.Is(err, core.ErrInvalidImage) || errors.Is(err, core.ErrInvalidSender) || errors.Is(err, core.ErrInvalidPeriod) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ReplyTryAgain})
		return
	}

	resp := submissionResponse{
		SubmissionID: out.SubmissionID,
		Outcome:      out.Kind.String(),
		Sender:       string(out.Sender),
		Period:       string(out.Period),
		Fingerprint:  string(out.Fingerprint),
		Message:      FormatOutcome(out),
	}
	if out.Accepted() {
		resp.Amount = out.Amount.StringFixed(2)
		resp.NewTotal = out.NewTotal.StringFixed(2)
	}
	writeJSON(w, outcomeStatus[out.Kind], resp)
}

// handleStatus reports every sender's total for ?month=YYYY-MM, defaulting
// to the current month.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var period core.Period
	if m := strings.TrimSpace(r.URL.Query().Get("month")); m != "" {
		p, err := core.ParsePeriod(m)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "month must look like 2025-10"})
			return
		}
		period = p
	}

	st, err := s.reports.Status(ctx, period)
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Failed to read status", log.FieldError, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read ledger"})
		return
	}

	resp := statusResponse{Month: string(st.Period), Totals: []senderTotal{}, Total: st.Total.StringFixed(2)}
	for _, e := range st.Entries {
		resp.Totals = append(resp.Totals, senderTotal{Sender: string(e.Sender), Total: e.Total.StringFixed(2)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sender, err := core.NormalizeSender(chi.URLParam(r, "sender"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sender"})
		return
	}
	h, err := s.reports.History(ctx, sender)
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Failed to read history", log.FieldError, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read ledger"})
		return
	}

	resp := historyResponse{Sender: string(h.Sender), Months: []monthTotal{}, GrandTotal: h.GrandTotal.StringFixed(2)}
	for _, m := range h.Months {
		resp.Months = append(resp.Months, monthTotal{Month: string(m.Period), Total: m.Total.StringFixed(2)})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFingerprint answers whether an image has been seen and what it
// settled as.
func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hash, err := core.ParseFingerprint(chi.URLParam(r, "hash"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "fingerprint must be 64 hex characters"})
		return
	}
	rec, err := s.prints.Get(ctx, hash)
	if errors.Is(err, core.ErrClaimNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "fingerprint not seen"})
		return
	}
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Failed to read fingerprint", log.FieldError, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read fingerprint"})
		return
	}

	resp := fingerprintResponse{
		Fingerprint:  string(rec.Hash),
		Status:       string(rec.Status),
		Owner:        string(rec.Owner),
		SubmissionID: rec.SubmissionID,
		ClaimedAt:    rec.ClaimedAt.UTC(),
		Metadata:     rec.Metadata,
	}
	if !rec.RecordedAt.IsZero() {
		at := rec.RecordedAt.UTC()
		resp.RecordedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
