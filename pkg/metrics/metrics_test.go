package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMultiObserverFansOut(t *testing.T) {
	a, b := NewMemoryObserver(), NewMemoryObserver()
	multi := NewMultiObserver(a, nil, b)
	Record(multi, EventCallCompleted, 1, map[string]string{"business_id": "b1"})
	if a.Count(EventCallCompleted) != 1 || b.Count(EventCallCompleted) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
}

func TestJSONLObserverWritesLine(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)
	obs.RecordEvent(MetricsEvent{Name: EventUsageRecorded, Time: time.Unix(0, 0), Value: 3, Tags: map[string]string{"plan": "pro"}})
	line := buf.String()
	if !strings.Contains(line, `"name":"usage_recorded"`) || !strings.Contains(line, `"plan":"pro"`) {
		t.Fatalf("unexpected jsonl output: %s", line)
	}
}

func TestAsyncObserverDeliversUntilClose(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	async.RecordEvent(MetricsEvent{Name: EventCallStarted})
	async.Close()
	deadline := time.Now().Add(time.Second)
	for mem.Count(EventCallStarted) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mem.Count(EventCallStarted) != 1 {
		t.Fatalf("expected async delivery")
	}
	async.RecordEvent(MetricsEvent{Name: EventCallStarted})
}
