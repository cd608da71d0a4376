package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ghingest/logger"
)

// maxPayloadBytes bounds webhook bodies; GitHub caps payloads at 25 MB but
// nothing this engine ingests comes close.
const maxPayloadBytes = 5 << 20

// Handler exposes the ingester over HTTP.
type Handler struct {
	ingester *Ingester
}

// NewHandler creates an HTTP handler around the ingester.
func NewHandler(ingester *Ingester) *Handler {
	return &Handler{ingester: ingester}
}

// ServeHTTP handles POST deliveries from GitHub. Signature failures are 403
// and logged; handler errors are 500 so GitHub redelivers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")

	if _, err := uuid.Parse(deliveryID); err != nil {
		logger.Warn("webhook delivery with malformed delivery id",
			zap.String("delivery_id", deliveryID))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.ingester.VerifySignature(signature, body) {
		logger.Warn("rejecting webhook delivery with invalid signature",
			zap.String("event", eventType),
			zap.String("delivery_id", deliveryID),
			zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	res, err := h.ingester.Handle(r.Context(), eventType, deliveryID, body)
	if err != nil {
		logger.Error("webhook delivery failed",
			zap.String("event", eventType),
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"result": res.String()})
}
