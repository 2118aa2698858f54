package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
)

// Standard Webhooks headers sent by Polar.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

const webhookTolerance = 5 * time.Minute

// VerifyWebhook checks a Standard Webhooks signature: base64 HMAC-SHA256 of
// "id.timestamp.body" under secret, timestamp within five minutes of now.
// Secrets with a "whsec_" prefix carry a base64 key; anything else is used as
// raw bytes.
func VerifyWebhook(secret string, h http.Header, body []byte, now time.Time) error {
	id := h.Get(HeaderWebhookID)
	ts := h.Get(HeaderWebhookTimestamp)
	sigs := h.Get(HeaderWebhookSignature)
	if id == "" || ts == "" || sigs == "" {
		return errorsx.New(errorsx.ReasonWebhookInvalidSignature, "missing webhook headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errorsx.New(errorsx.ReasonWebhookInvalidSignature, "bad webhook timestamp %q", ts)
	}
	sent := time.Unix(unix, 0)
	if now.Sub(sent) > webhookTolerance || sent.Sub(now) > webhookTolerance {
		return errorsx.New(errorsx.ReasonWebhookInvalidSignature, "webhook timestamp outside tolerance")
	}
	key, err := webhookKey(secret)
	if err != nil {
		return err
	}
	expected := signWebhook(key, id, ts, body)
	for _, part := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(part, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return errorsx.New(errorsx.ReasonWebhookInvalidSignature, "no matching webhook signature")
}

func webhookKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errorsx.New(errorsx.ReasonWebhookInvalidSignature, "webhook secret not configured")
	}
	if raw, ok := strings.CutPrefix(secret, "whsec_"); ok {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, errorsx.New(errorsx.ReasonWebhookInvalidSignature, "decode webhook secret: %v", err)
		}
		return key, nil
	}
	return []byte(secret), nil
}

func signWebhook(key []byte, id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
