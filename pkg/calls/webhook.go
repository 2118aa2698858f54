package calls

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/providers/elevenlabs"
)

const maxWebhookBody = 4 << 20

// PostCallWebhook receives ElevenLabs post-call transcription webhooks.
type PostCallWebhook struct {
	svc    *Service
	secret string
	now    func() time.Time
}

func NewPostCallWebhook(svc *Service, secret string) *PostCallWebhook {
	return &PostCallWebhook{svc: svc, secret: secret, now: time.Now}
}

func (h *PostCallWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	log := h.svc.log
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeStatus(rw, http.StatusBadRequest, "unreadable body")
		return
	}
	ev, err := elevenlabs.VerifyWebhook(h.secret, r.Header.Get(elevenlabs.SignatureHeader), body, h.now())
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonWebhookInvalidSignature) {
			log.Warn("elevenlabs_webhook_invalid_signature", "error", err)
			metrics.Record(h.svc.obs, metrics.EventWebhookRejected, 1, map[string]string{"source": "elevenlabs"})
			writeStatus(rw, http.StatusUnauthorized, "invalid signature")
			return
		}
		log.Warn("elevenlabs_webhook_bad_payload", "error", err)
		writeStatus(rw, http.StatusBadRequest, "bad payload")
		return
	}
	if ev.Type != elevenlabs.EventPostCallTranscription {
		log.Debug("elevenlabs_webhook_skipped", "type", ev.Type)
		writeStatus(rw, http.StatusAccepted, "ignored")
		return
	}

	call, err := h.svc.IngestConversation(r.Context(), ev.Data)
	switch {
	case err == nil && call == nil:
		writeStatus(rw, http.StatusOK, "duplicate")
	case err == nil:
		metrics.Record(h.svc.obs, metrics.EventWebhookProcessed, 1, map[string]string{"source": "elevenlabs"})
		writeStatus(rw, http.StatusOK, "ok")
	case errorsx.HasReason(err, errorsx.ReasonNotFound):
		// The agent config may not be saved yet; ask for a redelivery.
		log.Warn("elevenlabs_conversation_unresolved", "conversation_id", ev.Data.ConversationID, "error", err)
		writeStatus(rw, http.StatusServiceUnavailable, "retry later")
	case errorsx.HasReason(err, errorsx.ReasonWebhookPayload):
		log.Warn("elevenlabs_webhook_ignored", "conversation_id", ev.Data.ConversationID, "error", err)
		writeStatus(rw, http.StatusAccepted, "ignored")
	default:
		log.Error("elevenlabs_webhook_failed", slog.String("conversation_id", ev.Data.ConversationID), slog.Any("error", err))
		writeStatus(rw, http.StatusInternalServerError, "processing failed")
	}
}

func writeStatus(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": msg})
}
