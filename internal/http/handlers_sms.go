package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tally/internal/core"
	"tally/internal/log"
)

// handleSMS is the messaging gateway webhook. A message with media is a
// receipt submission; a text-only message is a command. Gateways retry on
// non-2xx, so failures are still answered with 200 and a reply text.
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeTwiML(w, http.StatusBadRequest, "Malformed request.")
		return
	}

	sender, err := core.NormalizeSender(r.PostFormValue("From"))
	if err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Webhook without a valid sender", "from", r.PostFormValue("From"))
		writeTwiML(w, http.StatusBadRequest, "Invalid sender.")
		return
	}
	logger := log.FromContext(ctx).With(log.FieldSender, sender)
	ctx = log.IntoContext(ctx, logger)

	numMedia, _ := strconv.Atoi(strings.TrimSpace(r.PostFormValue("NumMedia")))
	if numMedia > 0 {
		if numMedia > 1 {
			logger.InfoContext(ctx, "Only the first attachment is processed", "num_media", numMedia)
		}
		writeTwiML(w, http.StatusOK, s.submit(ctx, s.owner(ctx, sender), r.PostFormValue("MediaUrl0")))
		return
	}

	if sender != s.admin && !s.submitter.Authorize(ctx, sender) {
		writeTwiML(w, http.StatusOK, ReplyUnauthorized)
		return
	}

	body := strings.TrimSpace(r.PostFormValue("Body"))
	if body == "" {
		writeTwiML(w, http.StatusOK, ReplyNoImage)
		return
	}
	writeTwiML(w, http.StatusOK, s.runCommand(ctx, sender, ParseCommand(body)))
}

func (s *Server) submit(ctx context.Context, sender core.Sender, ref string) string {
	out, err := s.submitter.Submit(ctx, sender, ref)
	if err != nil {
		if errors.Is(err, core.ErrInvalidImage) {
			return ReplyNoImage
		}
		return ReplyTryAgain
	}
	return FormatOutcome(out)
}

// owner is who a media submission is credited to. The admin files receipts
// on behalf of CreditAdminTo.
func (s *Server) owner(ctx context.Context, sender core.Sender) core.Sender {
	if s.admin == "" || s.creditTo == "" || sender != s.admin {
		return sender
	}
	log.FromContext(ctx).InfoContext(ctx, "Crediting admin submission", "credit_to", s.creditTo)
	return s.creditTo
}

func (s *Server) runCommand(ctx context.Context, sender core.Sender, cmd Command) string {
	isAdmin := s.admin != "" && sender == s.admin
	if cmd.Admin() && !isAdmin {
		cmd.Kind = CommandUnknown
	}

	reply, err := s.command(ctx, sender, cmd, isAdmin)
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Command failed", log.FieldError, err, "command", cmd.Kind)
		return ReplyTryAgain
	}
	return reply
}

func (s *Server) command(ctx context.Context, sender core.Sender, cmd Command, isAdmin bool) (string, error) {
	switch cmd.Kind {
	case CommandTotal:
		p, total, err := s.reports.CurrentTotal(ctx, sender)
		if err != nil {
			return "", err
		}
		return FormatCurrentTotal(p, total), nil
	case CommandLastTotal:
		p, total, err := s.reports.PreviousTotal(ctx, sender)
		if err != nil {
			return "", err
		}
		return FormatLastTotal(p, total), nil
	case CommandAll:
		h, err := s.reports.History(ctx, sender)
		if err != nil {
			return "", err
		}
		return FormatHistory(h), nil
	case CommandStatus:
		st, err := s.reports.Status(ctx, "")
		if err != nil {
			return "", err
		}
		return FormatStatus(st, s.admin), nil
	case CommandUser:
		target, err := core.NormalizeSender(cmd.Arg)
		if err != nil {
			return "Invalid phone number: " + cmd.Arg, nil
		}
		h, err := s.reports.History(ctx, target)
		if err != nil {
			return "", err
		}
		return FormatUserHistory(h), nil
	}
	if isAdmin {
		return ReplyUnknownAdmin, nil
	}
	return ReplyUnknown, nil
}
