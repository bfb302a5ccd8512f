package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"campaign-mailer/services"
	"campaign-mailer/utils"
)

// sendRequest is the wire form of a dispatch request. Identifiers may
// arrive as numbers or as numeric strings.
type sendRequest struct {
	Template  json.RawMessage `json:"template"`
	Audiences json.RawMessage `json:"audiences"`
	Segments  json.RawMessage `json:"segments"`
	Subject   string          `json:"subject"`
	Sender    string          `json:"sender"`
	Resend    bool            `json:"resend"`
}

// decodeID reads an identifier field. An absent, null or empty value
// reports present == false.
func decodeID(raw json.RawMessage) (id int64, present bool, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, true, err
		}
		if s == "" {
			return 0, false, nil
		}
	}
	id, err = services.ParseID(s)
	return id, true, err
}

// toDispatchRequest converts the wire form, returning a message for the
// first invalid identifier.
func (r *sendRequest) toDispatchRequest() (services.DispatchRequest, string) {
	req := services.DispatchRequest{Subject: r.Subject, Sender: r.Sender, Resend: r.Resend}
	var (
		present bool
		err     error
	)
	if req.TemplateID, present, err = decodeID(r.Template); !present {
		return req, "`template` is required"
	} else if err != nil {
		return req, "`template` must be a valid identifier"
	}
	if req.AudienceID, present, err = decodeID(r.Audiences); !present {
		return req, "`audiences` is required"
	} else if err != nil {
		return req, "`audiences` must be a valid identifier"
	}
	// Zero selects the whole audience.
	if s := strings.Trim(string(r.Segments), `"`); s != "0" {
		if req.SegmentID, _, err = decodeID(r.Segments); err != nil {
			return req, "`segments` must be a valid identifier"
		}
	}
	return req, ""
}

// SendHandler validates a dispatch request, checks the template and the
// daily quota and queues the run.
func SendHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		req, msg := body.toDispatchRequest()
		if msg == "" {
			msg = validateRequest(&req)
		}
		if msg != "" {
			errorResponse(w, msg, http.StatusForbidden)
			return
		}

		if _, err := d.Templates.Get(r.Context(), req.TemplateID); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				errorResponse(w, "Selected Template is invalid", http.StatusForbidden)
				return
			}
			d.Logger.Error("Error loading template: " + err.Error())
			errorResponse(w, "Internal server error checking template", http.StatusInternalServerError)
			return
		}

		// Check daily mail limit.
		exceeded, count, err := utils.QuotaExceeded(r.Context(), d.DB, d.Config.ReportTimezone, d.Config.DailyMailLimit)
		if err != nil {
			d.Logger.Error("Error getting daily mail count: " + err.Error())
			errorResponse(w, "Internal server error checking mail limit", http.StatusInternalServerError)
			return
		}
		if exceeded {
			d.Logger.WithField("current_count", count).Warn("Daily mail limit reached, dispatch refused")
			errorResponse(w, "Daily mail limit exceeded.", http.StatusForbidden)
			return
		}

		runID := d.Dispatcher.Start(req)
		d.Logger.WithFields(map[string]interface{}{
			"run_id":      runID,
			"template_id": req.TemplateID,
			"audience_id": req.AudienceID,
			"segment_id":  req.SegmentID,
			"resend":      req.Resend,
		}).Info("Dispatch queued")
		successResponse(w, "Email successfully queued for sending", map[string]string{"run_id": runID})
	}
}

type abortRequest struct {
	Template int64 `json:"template" validate:"gte=0"`
}

// AbortHandler stops the runs of one template, or all runs when no template
// is given.
func AbortHandler(a Aborter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req abortRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		if msg := validateRequest(&req); msg != "" {
			errorResponse(w, msg, http.StatusBadRequest)
			return
		}
		n := a.RequestAbort(req.Template)
		successResponse(w, "Sending aborted", map[string]int{"runs": n})
	}
}

const (
	streamBuffer    = 16
	streamHeartbeat = 15 * time.Second
)

type streamEvent struct {
	name    string
	payload interface{}
}

// StreamHandler pushes progress events to the client as server-sent
// events. The newest client takes over the stream; events are dropped
// rather than slowing a run down when the client lags.
func StreamHandler(p *services.ProgressReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			errorResponse(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		events := make(chan streamEvent, streamBuffer)
		detach := p.Attach(func(name string, payload interface{}) {
			select {
			case events <- streamEvent{name: name, payload: payload}:
			default:
			}
		})
		defer detach()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(streamHeartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-events:
				data, err := json.Marshal(ev.payload)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
				flusher.Flush()
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}
