package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"

	"payment-sync-service/internal/fault"
	"payment-sync-service/internal/payload"
)

type Handler struct {
	verifier     *Verifier
	processor    *Processor
	maxBodyBytes int64
	logger       *slog.Logger
}

func NewHandler(verifier *Verifier, processor *Processor, maxBodyBytes int64, logger *slog.Logger) *Handler {
	return &Handler{verifier: verifier, processor: processor, maxBodyBytes: maxBodyBytes, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// the signature covers the raw bytes, so read them before any decoding
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.WarnContext(ctx, "Error reading webhook body", "error", err)
		writeAck(w, http.StatusBadRequest, false, "unreadable body")
		return
	}

	if !h.verifier.Verify(ctx, body, r.Header.Get(SignatureHeader)) {
		h.logger.WarnContext(ctx, "Rejected webhook with invalid signature")
		writeAck(w, http.StatusUnauthorized, false, "invalid signature")
		return
	}

	var n payload.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.logger.WarnContext(ctx, "Error unmarshalling webhook", "error", err)
		writeAck(w, http.StatusBadRequest, false, "malformed body")
		return
	}

	result, err := h.processor.Process(ctx, n)
	if err != nil {
		status, msg := errorResponse(err)
		writeAck(w, status, false, msg)
		return
	}

	switch {
	case result.Duplicate:
		writeAck(w, http.StatusOK, true, "already processed")
	case result.Transitioned:
		writeAck(w, http.StatusOK, true, "payment "+string(result.Status))
	default:
		writeAck(w, http.StatusOK, true, "no change")
	}
}

func errorResponse(err error) (int, string) {
	if kind, ok := fault.KindOf(err); ok && kind == fault.Classification {
		return http.StatusBadRequest, err.Error()
	}
	switch {
	case errors.Is(err, ErrMissingEventID):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrPaymentNotFound):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeAck(w http.ResponseWriter, status int, received bool, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload.Ack{Received: received, Message: msg})
}
