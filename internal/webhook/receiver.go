package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/example/ledgersync/internal/crypto"
	"github.com/example/ledgersync/internal/ingest"
	"github.com/example/ledgersync/internal/model"
	"github.com/example/ledgersync/internal/provider"
	"github.com/example/ledgersync/internal/security"
	"github.com/example/ledgersync/pkg/audit"
)

const defaultMaxBody = 1 << 20

// envelopeSchema is the minimal shape checked before anything is stored.
const envelopeSchema = `{
  "type": "object",
  "required": ["event_type", "data"],
  "properties": {
    "event_type": {"type": "string", "minLength": 1, "maxLength": 128},
    "subscription_id": {"type": "string"},
    "sent_at": {"type": "string"},
    "data": {"type": "object"}
  }
}`

type EventStore interface {
	AppendEvent(ctx context.Context, e *model.RawEvent) (bool, error)
}

type Config struct {
	AllowTestNotifications bool
	MaxBodyBytes           int64
}

// Response is the body returned to the provider.
type Response struct {
	Status            string `json:"status"`
	EventID           string `json:"event_id,omitempty"`
	DuplicatesSkipped int    `json:"duplicatesSkipped"`
}

// Receiver is the provider webhook endpoint. It verifies, persists and
// hands off; classification happens after the response is written.
type Receiver struct {
	events     EventStore
	verifier   crypto.Verifier
	dispatcher ingest.Dispatcher
	monitor    *Monitor
	audit      *audit.ChainLogger
	schema     *security.JSONSchemaValidator
	cfg        Config
	logger     *slog.Logger
}

func NewReceiver(events EventStore, verifier crypto.Verifier, dispatcher ingest.Dispatcher, monitor *Monitor,
	chain *audit.ChainLogger, cfg Config, logger *slog.Logger) (*Receiver, error) {
	schema, err := security.NewJSONSchemaValidator(envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if monitor == nil {
		monitor = NewMonitor(DefaultMonitorCapacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		events:     events,
		verifier:   verifier,
		dispatcher: dispatcher,
		monitor:    monitor,
		audit:      chain,
		schema:     schema,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

func (rc *Receiver) Monitor() *Monitor {
	return rc.monitor
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cid := security.CorrelationIDFromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.cfg.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			rc.record(r, Delivery{Outcome: OutcomeInvalid, Detail: "payload too large"})
			security.WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}

	test := provider.IsTestNotification(r.Header)
	if err := rc.verify(r, body, test); err != nil {
		rc.logger.Warn("webhook_signature_rejected",
			"cid", cid,
			"remote_addr", r.RemoteAddr,
			"test_header", test,
			"error", err,
		)
		if rc.audit != nil {
			rc.audit.Append(audit.KindWebhookRejected, r.RemoteAddr, "provider", err.Error())
		}
		rc.record(r, Delivery{Outcome: OutcomeRejected, Test: test, Detail: err.Error()})
		security.WriteJSONError(w, r, http.StatusUnauthorized, "invalid_signature")
		return
	}

	if err := rc.schema.Validate(body); err != nil {
		rc.reject(w, r, err)
		return
	}
	wh, err := provider.ParseWebhook(r.Header, body)
	if err != nil {
		rc.reject(w, r, err)
		return
	}

	ev := &model.RawEvent{
		ID:        wh.EventID,
		Source:    model.SourceWebhook,
		EventType: wh.Envelope.EventType,
		Payload:   json.RawMessage(body),
	}
	appended, err := rc.events.AppendEvent(ctx, ev)
	if err != nil {
		// nothing was stored, so the provider's redelivery is wanted here
		rc.logger.Error("webhook_persist_failed", "cid", cid, "event_id", ev.ID, "error", err)
		rc.record(r, Delivery{EventID: ev.ID, EventType: ev.EventType, Outcome: OutcomeError, Test: wh.Test, Detail: err.Error()})
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if !appended {
		rc.logger.Info("webhook_duplicate", "cid", cid, "event_id", ev.ID, "event_type", ev.EventType)
		rc.record(r, Delivery{EventID: ev.ID, EventType: ev.EventType, Outcome: OutcomeDuplicate, Test: wh.Test})
		writeJSON(w, http.StatusOK, Response{Status: "duplicate", EventID: ev.ID, DuplicatesSkipped: 1})
		return
	}

	if rc.audit != nil {
		rc.audit.Append(audit.KindWebhookAccepted, ev.ID, "provider", ev.EventType)
	}
	if rc.dispatcher != nil {
		// the request context ends with the response; the event stays
		// received and the replay loop covers a failed hand-off
		if err := rc.dispatcher.Dispatch(context.WithoutCancel(ctx), ev.ID); err != nil {
			rc.logger.Warn("webhook_dispatch_failed", "cid", cid, "event_id", ev.ID, "error", err)
		}
	}

	rc.logger.Info("webhook_accepted", "cid", cid, "event_id", ev.ID, "event_type", ev.EventType, "test", wh.Test)
	rc.record(r, Delivery{EventID: ev.ID, EventType: ev.EventType, Outcome: OutcomeAccepted, Test: wh.Test})
	writeJSON(w, http.StatusOK, Response{Status: "accepted", EventID: ev.ID})
}

func (rc *Receiver) verify(r *http.Request, body []byte, test bool) error {
	if test && rc.cfg.AllowTestNotifications {
		return nil
	}
	if rc.verifier == nil {
		return errors.New("no webhook public key configured")
	}
	return rc.verifier.Verify(body, r.Header.Get(provider.HeaderSignature))
}

func (rc *Receiver) reject(w http.ResponseWriter, r *http.Request, err error) {
	rc.logger.Warn("webhook_payload_rejected", "cid", security.CorrelationIDFromContext(r.Context()), "error", err)
	rc.record(r, Delivery{Outcome: OutcomeInvalid, Detail: err.Error()})
	security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
}

func (rc *Receiver) record(r *http.Request, d Delivery) {
	d.RemoteAddr = r.RemoteAddr
	rc.monitor.Record(d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
