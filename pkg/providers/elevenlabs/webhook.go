package elevenlabs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
)

// SignatureHeader carries "t=<unix>,v0=<hex hmac>" on post-call webhooks.
const SignatureHeader = "ElevenLabs-Signature"

const webhookTolerance = 30 * time.Minute

// EventPostCallTranscription is sent once a conversation has been analysed.
const EventPostCallTranscription = "post_call_transcription"

type TranscriptTurn struct {
	Role           string  `json:"role"`
	Message        string  `json:"message"`
	TimeInCallSecs float64 `json:"time_in_call_secs"`
}

type PhoneCall struct {
	CallSID        string `json:"call_sid"`
	Direction      string `json:"direction"`
	ExternalNumber string `json:"external_number"`
	AgentNumber    string `json:"agent_number"`
}

type ConversationMetadata struct {
	StartTimeUnixSecs int64      `json:"start_time_unix_secs"`
	CallDurationSecs  int        `json:"call_duration_secs"`
	PhoneCall         *PhoneCall `json:"phone_call,omitempty"`
}

type Analysis struct {
	TranscriptSummary string `json:"transcript_summary"`
	CallSuccessful    string `json:"call_successful"`
}

type ClientData struct {
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

// Conversation is the shape shared by GET /conversations/{id} and the
// post-call webhook.
type Conversation struct {
	AgentID        string               `json:"agent_id"`
	ConversationID string               `json:"conversation_id"`
	Status         string               `json:"status"`
	Transcript     []TranscriptTurn     `json:"transcript"`
	Metadata       ConversationMetadata `json:"metadata"`
	Analysis       *Analysis            `json:"analysis,omitempty"`
	ClientData     *ClientData          `json:"conversation_initiation_client_data,omitempty"`
}

// CallSID returns the Twilio call sid for phone conversations.
func (c Conversation) CallSID() string {
	if c.Metadata.PhoneCall == nil {
		return ""
	}
	return c.Metadata.PhoneCall.CallSID
}

// DynamicVariable returns a string dynamic variable passed at call start.
func (c Conversation) DynamicVariable(name string) string {
	if c.ClientData == nil {
		return ""
	}
	v, ok := c.ClientData.DynamicVariables[name]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

type WebhookEvent struct {
	Type           string       `json:"type"`
	EventTimestamp int64        `json:"event_timestamp"`
	Data           Conversation `json:"data"`
}

// VerifyWebhook validates the signature header against body and returns the
// parsed event.
func VerifyWebhook(secret, header string, body []byte, now time.Time) (*WebhookEvent, error) {
	if secret == "" {
		return nil, errorsx.New(errorsx.ReasonWebhookInvalidSignature, "webhook secret not configured")
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v0":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return nil, errorsx.New(errorsx.ReasonWebhookInvalidSignature, "malformed signature header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, errorsx.New(errorsx.ReasonWebhookInvalidSignature, "bad signature timestamp")
	}
	if now.Sub(time.Unix(unix, 0)) > webhookTolerance {
		return nil, errorsx.New(errorsx.ReasonWebhookInvalidSignature, "signature expired")
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(secret, ts, body))) {
		return nil, errorsx.New(errorsx.ReasonWebhookInvalidSignature, "signature mismatch")
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode webhook: %w", err), errorsx.ReasonWebhookPayload)
	}
	return &ev, nil
}

// Sign computes the v0 signature for ts and body.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
