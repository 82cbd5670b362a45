package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"pollen_ledger/internal/ledger"
	"pollen_ledger/internal/logging"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/tiers"
	"pollen_ledger/internal/utils"
)

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// Applier credits a ledger event at most once.
type Applier interface {
	Apply(ctx context.Context, event models.LedgerEvent) (models.Outcome, error)
}

// Upgrader performs tier transitions.
type Upgrader interface {
	RequestUpgrade(ctx context.Context, userID string, target models.Tier, trigger models.Trigger) (tiers.Transition, error)
}

// Handler serves one provider's webhook endpoint.
type Handler struct {
	adapter  Adapter
	applier  Applier
	upgrader Upgrader
	sink     logging.Sink
	metrics  *metrics.Metrics
	maxBody  int64
	logger   *utils.Logger
	now      func() time.Time
}

type receivedResponse struct {
	Received bool           `json:"received"`
	Status   models.Outcome `json:"status"`
}

// NewHandler creates a webhook handler. sink and m may be nil.
func NewHandler(adapter Adapter, applier Applier, upgrader Upgrader, sink logging.Sink, m *metrics.Metrics, maxBody int64) *Handler {
	if sink == nil {
		sink = logging.NewNoopSink()
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{
		adapter:  adapter,
		applier:  applier,
		upgrader: upgrader,
		sink:     sink,
		metrics:  m,
		maxBody:  maxBody,
		logger:   utils.NewLogger("webhook-" + string(adapter.Provider())),
		now:      time.Now,
	}
}

// ServeHTTP verifies, parses and dispatches one delivery. Anything the
// provider should not retry is answered with 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	rec := &models.Record{Kind: "webhook", Provider: h.adapter.Provider()}

	status, outcome, msg := h.process(w, r, rec)
	rec.Outcome = outcome
	rec.Timestamp = h.now().UTC()

	h.metrics.ObserveWebhook(string(rec.Provider), string(outcome), time.Since(start))
	if err := h.sink.Enqueue(rec); err != nil {
		h.logger.Warn("failed to record webhook", "event_id", rec.EventID, "error", err)
	}

	if status != http.StatusOK {
		utils.RespondWithError(w, status, msg)
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, receivedResponse{Received: true, Status: outcome})
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, rec *models.Record) (int, models.Outcome, string) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, models.OutcomeMalformed, "method not allowed"
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return http.StatusBadRequest, models.OutcomeMalformed, "failed to read request body"
	}
	rec.Digest = utils.HashBytes(body)

	now := h.now()
	if err := h.adapter.VerifySignature(body, r.Header, now); err != nil {
		return h.rejection(rec, err)
	}
	if err := h.adapter.VerifyFreshness(r.Header, now); err != nil {
		return h.rejection(rec, err)
	}

	parsed, err := h.adapter.Parse(body, r.Header, now)
	if err != nil {
		return h.rejection(rec, err)
	}
	rec.EventID = parsed.EventID
	rec.EventType = parsed.EventType
	rec.UserID = parsed.UserID

	switch parsed.Action {
	case ActionCredit:
		return h.applyCredit(r.Context(), parsed, rec)
	case ActionUpgrade:
		return h.applyUpgrade(r.Context(), parsed, rec)
	case ActionBelowThreshold:
		rec.Reason = parsed.Reason
		h.logger.Info("payment below threshold", "event_id", parsed.EventID, "user_id", parsed.UserID, "reason", parsed.Reason)
		return http.StatusOK, models.OutcomeBelowThreshold, ""
	default:
		rec.Reason = parsed.Reason
		h.logger.Debug("event ignored", "event_id", parsed.EventID, "type", parsed.EventType, "reason", parsed.Reason)
		return http.StatusOK, models.OutcomeIgnored, ""
	}
}

func (h *Handler) applyCredit(ctx context.Context, parsed Parsed, rec *models.Record) (int, models.Outcome, string) {
	event := parsed.Credit
	event.ReceivedAt = h.now().UTC()
	rec.Bucket = event.Bucket
	rec.Amount = event.Amount

	outcome, err := h.applier.Apply(ctx, event)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, ledger.ErrInvalidBucket) {
			rec.Reason = err.Error()
			return http.StatusBadRequest, models.OutcomeMalformed, "invalid credit"
		}
		rec.Reason = err.Error()
		h.logger.Error("failed to apply credit", "event_id", event.EventID, "user_id", event.UserID, "error", err)
		return http.StatusInternalServerError, models.OutcomeFailed, "processing failed"
	}

	if outcome == models.OutcomeApplied {
		h.metrics.AddCredit(string(event.Bucket), event.Amount.InexactFloat64())
	}
	if outcome == models.OutcomeUserNotFound {
		rec.Reason = "no ledger row for user"
	}
	return http.StatusOK, outcome, ""
}

func (h *Handler) applyUpgrade(ctx context.Context, parsed Parsed, rec *models.Record) (int, models.Outcome, string) {
	if h.upgrader == nil {
		rec.Reason = "tier upgrades not handled by this endpoint"
		return http.StatusOK, models.OutcomeIgnored, ""
	}
	rec.ToTier = parsed.Tier

	t, err := h.upgrader.RequestUpgrade(ctx, parsed.UserID, parsed.Tier, models.TriggerSystem)
	if err != nil {
		if errors.Is(err, tiers.ErrUserNotFound) {
			rec.Reason = "no ledger row for user"
			return http.StatusOK, models.OutcomeUserNotFound, ""
		}
		rec.Reason = err.Error()
		h.logger.Error("failed to upgrade tier", "event_id", parsed.EventID, "user_id", parsed.UserID, "error", err)
		return http.StatusInternalServerError, models.OutcomeFailed, "processing failed"
	}
	rec.FromTier = t.From
	return http.StatusOK, t.Outcome, ""
}

func (h *Handler) rejection(rec *models.Record, err error) (int, models.Outcome, string) {
	rec.Reason = err.Error()
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		h.logger.Warn("rejected webhook", "reason", err)
		return http.StatusUnauthorized, models.OutcomeSignatureInvalid, "invalid signature"
	case errors.Is(err, ErrStale):
		h.logger.Warn("rejected webhook", "reason", err)
		return http.StatusBadRequest, models.OutcomeStale, "stale webhook"
	case errors.Is(err, ErrPayloadMalformed):
		h.logger.Warn("rejected webhook", "reason", err)
		return http.StatusBadRequest, models.OutcomeMalformed, "malformed payload"
	case errors.Is(err, ErrNotConfigured):
		h.logger.Error("webhook secret missing")
		return http.StatusServiceUnavailable, models.OutcomeFailed, "webhook not configured"
	default:
		h.logger.Error("webhook verification failed", "error", err)
		return http.StatusInternalServerError, models.OutcomeFailed, "processing failed"
	}
}
