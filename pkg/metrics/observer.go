package metrics

import "time"

// Event names recorded by the service.
const (
	EventWebhookProcessed = "webhook_processed"
	EventWebhookRejected  = "webhook_rejected"
	EventCallStarted      = "call_started"
	EventCallBlocked      = "call_blocked"
	EventCallCompleted    = "call_completed"
	EventUsageRecorded    = "usage_recorded"
	EventSummaryGenerated = "summary_generated"
	EventSummaryFailed    = "summary_failed"
	EventAgentSynced      = "agent_synced"

	EventRateLimit     = "provider_rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a shorthand for emitting a tagged event stamped with the current time.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}

type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
