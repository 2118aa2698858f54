package errorsx

import "net/http"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonValidation   ReasonCode = "validation"
	ReasonNotFound     ReasonCode = "not_found"
	ReasonConflict     ReasonCode = "conflict"
	ReasonUnauthorized ReasonCode = "unauthorized"
	ReasonForbidden    ReasonCode = "forbidden"

	ReasonSubscriptionInvalid ReasonCode = "subscription_invalid"
	ReasonUsageLimit          ReasonCode = "usage_limit"

	ReasonWebhookInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonWebhookPayload          ReasonCode = "webhook_payload"

	ReasonLLMGenerate     ReasonCode = "llm_generate"
	ReasonLLMRateLimit    ReasonCode = "llm_rate_limit"
	ReasonEmptyTranscript ReasonCode = "empty_transcript"

	ReasonVoiceAgent  ReasonCode = "voice_agent"
	ReasonTelephony   ReasonCode = "telephony"
	ReasonBilling     ReasonCode = "billing_provider"
	ReasonStorage     ReasonCode = "storage_provider"
	ReasonTranscriber ReasonCode = "transcriber"
	ReasonDatabase    ReasonCode = "database"

	// ReasonUnavailable marks a feature whose integration is switched off.
	ReasonUnavailable ReasonCode = "unavailable"
)

var statusByReason = map[ReasonCode]int{
	ReasonValidation:              http.StatusBadRequest,
	ReasonWebhookPayload:          http.StatusBadRequest,
	ReasonEmptyTranscript:         http.StatusUnprocessableEntity,
	ReasonNotFound:                http.StatusNotFound,
	ReasonConflict:                http.StatusConflict,
	ReasonUnauthorized:            http.StatusUnauthorized,
	ReasonWebhookInvalidSignature: http.StatusUnauthorized,
	ReasonForbidden:               http.StatusForbidden,
	ReasonSubscriptionInvalid:     http.StatusPaymentRequired,
	ReasonUsageLimit:              http.StatusPaymentRequired,
	ReasonLLMRateLimit:            http.StatusTooManyRequests,
	ReasonLLMGenerate:             http.StatusBadGateway,
	ReasonVoiceAgent:              http.StatusBadGateway,
	ReasonTelephony:               http.StatusBadGateway,
	ReasonBilling:                 http.StatusBadGateway,
	ReasonStorage:                 http.StatusBadGateway,
	ReasonTranscriber:             http.StatusBadGateway,
	ReasonUnavailable:             http.StatusServiceUnavailable,
}

// HTTPStatus maps the reason carried by err to a response status.
func HTTPStatus(err error) int {
	if status, ok := statusByReason[Reason(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
