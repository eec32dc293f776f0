package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"vigil/internal/evaluator"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/queue"
	"vigil/internal/storage"
)

// EventsHandler is the producer side: it stores raw telemetry and enqueues
// it for asynchronous rule evaluation.
type EventsHandler struct {
	store storage.EventStore
	queue queue.Enqueuer
	now   func() time.Time
}

// NewEventsHandler creates an events handler
func NewEventsHandler(store storage.EventStore, q queue.Enqueuer) *EventsHandler {
	return &EventsHandler{store: store, queue: q, now: time.Now}
}

// Ingest handles POST /events. An event is unique per (device_id, ts).
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	log := logger.WithRequestID(requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	parsed, err := evaluator.Parse(body)
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Msg("invalid JSON body")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":    false,
			"error":      "invalid JSON body",
			"detail":     []string{err.Error()},
			"request_id": requestID,
		})
		return
	}

	// the producer assigns provenance; client values are ignored
	parsed["event_id"] = json.RawMessage(`"pending"`)
	delete(parsed, "request_id")

	var violations []string
	event, err := evaluator.Validate(parsed)
	if err != nil {
		var ve *evaluator.ValidationError
		if !errors.As(err, &ve) {
			metrics.IngestEventsTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		violations = ve.Violations
	}
	raw, ok := rawObject(parsed)
	if !ok {
		violations = append(violations, "raw must be a JSON object")
	}
	if len(violations) > 0 {
		metrics.IngestEventsTotal.WithLabelValues("rejected").Inc()
		log.Warn().Strs("violations", violations).Msg("validation failed")
		writeValidationError(w, violations)
		return
	}
	event.EventID = models.DeviceEventID(event.DeviceID, event.TS)
	event.RequestID = requestID
	event.Raw = raw
	event.IngestedAt = h.now().UnixMilli()

	log = log.With().Str("device_id", event.DeviceID).Int64("ts", event.TS).Logger()

	if err := h.store.InsertEvent(r.Context(), event); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			metrics.IngestEventsTotal.WithLabelValues("duplicate").Inc()
			log.Info().Msg("duplicate event ignored")
			writeJSON(w, http.StatusConflict, map[string]any{
				"message":    "duplicate event, already stored",
				"request_id": requestID,
			})
			return
		}
		metrics.IngestEventsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to store event")
		writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	// the queue message carries only what the evaluator reads
	msg := event
	msg.Raw = nil
	msg.IngestedAt = 0
	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to encode queue message")
		writeError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}
	if err := h.queue.Enqueue(r.Context(), event.DeviceID, payload); err != nil {
		metrics.IngestEventsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}

	metrics.IngestEventsTotal.WithLabelValues("accepted").Inc()
	log.Info().Str("event_id", event.EventID).Msg("event ingested")

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":     "event ingested",
		"device_id":   event.DeviceID,
		"ts":          event.TS,
		"event_id":    event.EventID,
		"ingested_at": event.IngestedAt,
		"request_id":  requestID,
	})
}

// rawObject returns the optional raw member, which must be an object or null
func rawObject(p evaluator.ParsedEvent) (json.RawMessage, bool) {
	v, ok := p["raw"]
	if !ok {
		return nil, true
	}
	v = bytes.TrimSpace(v)
	if bytes.Equal(v, []byte("null")) {
		return nil, true
	}
	if len(v) == 0 || v[0] != '{' {
		return nil, false
	}
	return v, true
}

// List handles GET /devices/{device_id}/events?from_ts=&to_ts=&limit=,
// newest first
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.PathValue("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id path parameter is required")
		return
	}

	q := storage.EventQuery{DeviceID: deviceID}
	var ok bool
	if q.FromTS, ok = queryInt(r, "from_ts"); !ok {
		writeError(w, http.StatusBadRequest, "from_ts must be a non-negative integer")
		return
	}
	if q.ToTS, ok = queryInt(r, "to_ts"); !ok {
		writeError(w, http.StatusBadRequest, "to_ts must be a non-negative integer")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	q.Limit = int(limit)

	events, err := h.store.ListEvents(r.Context(), q)
	if err != nil {
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().
			Err(err).
			Str("device_id", deviceID).
			Msg("failed to retrieve events")
		writeError(w, http.StatusInternalServerError, "failed to retrieve events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"count":     len(events),
		"events":    events,
	})
}
