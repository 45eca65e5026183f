package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"outreach/internal/contact"
	"outreach/internal/services/dispatch"
	logx "outreach/pkg/logx"
)

type dispatchRequest struct {
	Channel     string            `json:"channel"`
	Message     string            `json:"message"`
	Subject     string            `json:"subject,omitempty"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	IsHTMLEmail bool              `json:"isHtmlEmail,omitempty"`
	Contacts    []contact.Contact `json:"contacts"`
}

func (s *Server) buildRequest(r *http.Request, in dispatchRequest) (dispatch.Request, error) {
	ch := contact.Channel(in.Channel)
	if !ch.Valid() {
		return dispatch.Request{}, errors.New(`channel must be "sms" or "email"`)
	}
	if strings.TrimSpace(in.Message) == "" && !(ch == contact.ChannelEmail && in.IsHTMLEmail && in.HTMLContent != "") {
		return dispatch.Request{}, errors.New("message is required")
	}
	if len(in.Contacts) == 0 {
		return dispatch.Request{}, errors.New("contacts are required")
	}

	req := dispatch.Request{
		Org:      orgFrom(r.Context()),
		Channel:  ch,
		Message:  in.Message,
		Subject:  in.Subject,
		Contacts: in.Contacts,
	}
	if ch == contact.ChannelEmail && in.IsHTMLEmail {
		req.HTML = in.HTMLContent
	}
	if s.transports != nil {
		req.Transport = s.transports(req.Org, ch)
	}
	return req, nil
}

// handleDispatchStream runs a dispatch and streams NDJSON progress frames.
// The run executes on the server's base context: a client that disconnects
// mid-run stops receiving frames, the run itself carries on to completion.
func (s *Server) handleDispatchStream(w http.ResponseWriter, r *http.Request) {
	var in dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := s.buildRequest(r, in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := s.disp.Run(s.runContext(), req)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	clientGone := false
	for p := range events {
		if clientGone {
			continue // drain so the run finishes and commits
		}
		if err := enc.Encode(p); err != nil {
			clientGone = true
			s.log.Warn("progress stream client went away", logx.Err(err))
			continue
		}
		flusher.Flush()
	}
	if !clientGone {
		time.Sleep(s.opts.StreamCloseDelay)
	}
}

type syncFailure struct {
	PhoneNumber string `json:"phoneNumber"`
	Error       string `json:"error"`
}

type syncResults struct {
	TotalSent     int           `json:"totalSent"`
	TotalFailed   int           `json:"totalFailed"`
	FailedNumbers []syncFailure `json:"failedNumbers"`
}

type syncResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Results *syncResults        `json:"results,omitempty"`
	Invalid []contact.Rejection `json:"invalidContacts,omitempty"`
}

// handleDispatchSync runs a dispatch to completion and answers with one
// tally object instead of a stream.
func (s *Server) handleDispatchSync(w http.ResponseWriter, r *http.Request) {
	var in dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := s.buildRequest(r, in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var final dispatch.Progress
	for p := range s.disp.Run(s.runContext(), req) {
		final = p
	}

	if final.Status == dispatch.StatusError {
		code := http.StatusBadRequest
		if strings.HasPrefix(final.Message, "internal error") {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, syncResponse{Success: false, Message: final.Message, Invalid: final.Invalid})
		return
	}

	failed := make([]syncFailure, 0, len(final.Failures))
	for _, f := range final.Failures {
		failed = append(failed, syncFailure{PhoneNumber: f.Recipient, Error: f.Error})
	}
	writeJSON(w, http.StatusOK, syncResponse{
		Success: final.Status == dispatch.StatusCompleted,
		Message: final.Message,
		Results: &syncResults{
			TotalSent:     final.Sent,
			TotalFailed:   final.Failed,
			FailedNumbers: failed,
		},
		Invalid: final.Invalid,
	})
}

type historyRecord struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject,omitempty"`
	Content   string    `json:"content"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleHistory lists the organization's most recent send records.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	recs, err := s.store.RecentSendRecords(r.Context(), org.ID, limit)
	if err != nil {
		s.log.Error("history query failed", logx.Int64("org", org.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]historyRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, historyRecord{
			ID:        rec.ID,
			Recipient: rec.Recipient,
			Subject:   rec.Subject,
			Content:   rec.Content,
			Channel:   string(rec.Channel),
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, syncResponse{Success: false, Message: msg})
}
