package calls

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/llm"
	"github.com/harunnryd/ringdesk/pkg/providers/deepgram"
	"github.com/harunnryd/ringdesk/pkg/providers/elevenlabs"
	"github.com/harunnryd/ringdesk/pkg/resilience"
	"github.com/harunnryd/ringdesk/pkg/store"
	"github.com/stretchr/testify/require"
)

type usageSpy struct {
	mu    sync.Mutex
	calls map[string]int
}

func (u *usageSpy) RecordUsage(_ context.Context, businessID string, secs int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.calls == nil {
		u.calls = map[string]int{}
	}
	u.calls[businessID] += secs
	return nil
}

type queueSpy struct{ ids []string }

func (q *queueSpy) Enqueue(id string) bool {
	q.ids = append(q.ids, id)
	return true
}

type publisherSpy struct{ statuses []store.CallStatus }

func (p *publisherSpy) PublishCallStatus(c *store.Call) { p.statuses = append(p.statuses, c.Status) }

type fixture struct {
	st    *store.Store
	biz   *store.Business
	svc   *Service
	usage *usageSpy
	queue *queueSpy
	pub   *publisherSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	biz := &store.Business{Name: "Acme Plumbing", PhoneNumber: "+15550001111", OwnerID: "u1"}
	require.NoError(t, st.CreateBusiness(ctx, biz))
	f := &fixture{st: st, biz: biz, usage: &usageSpy{}, queue: &queueSpy{}, pub: &publisherSpy{}}
	f.svc = NewService(Deps{Store: st, Usage: f.usage, Queue: f.queue, Publisher: f.pub})
	return f
}

func TestFormatTranscript(t *testing.T) {
	logs := []store.CallLog{
		{Role: store.LogAgent, Message: "Thanks for calling, how can I help?", OffsetSecs: 0},
		{Role: store.LogSystem, Message: "tool call", OffsetSecs: 3},
		{Role: store.LogCaller, Message: "My sink   is\nleaking", OffsetSecs: 4.5},
		{Role: store.LogAgent, Message: "I'll take a message.", OffsetSecs: 9},
		{Role: store.LogCaller, Message: "  ", OffsetSecs: 2},
	}
	got := FormatTranscript(logs, 0)
	want := "Agent: Thanks for calling, how can I help?\nCaller: My sink is leaking\nAgent: I'll take a message."
	require.Equal(t, want, got)

	truncated := FormatTranscript(logs, 70)
	require.Equal(t, "Agent: Thanks for calling, how can I help?\nCaller: My sink is leaking", truncated)
	require.Len(t, FormatTranscript(logs, 10), 10)
}

func TestLogRoleFor(t *testing.T) {
	require.Equal(t, store.LogCaller, LogRoleFor("user"))
	require.Equal(t, store.LogAgent, LogRoleFor("Agent"))
	require.Equal(t, store.LogSystem, LogRoleFor("tool"))
}

func TestSummariesGenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.svc.StartPhoneCall(ctx, f.biz.ID, store.DirectionInbound, "CA1", "+15557654321", f.biz.PhoneNumber)
	require.NoError(t, err)

	var seen llm.Transcript
	summarizer := llm.SummarizerFunc(func(_ context.Context, tr llm.Transcript) (llm.Summary, error) {
		seen = tr
		return llm.Summary{Text: "Caller reported a leaking sink."}, nil
	})
	sums := NewSummaries(f.st, summarizer, 0, nil, nil)

	_, err = sums.Generate(ctx, call.ID)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonEmptyTranscript), "got %v", err)

	require.NoError(t, f.st.ReplaceCallLogs(ctx, call.ID, []store.CallLog{
		{Role: store.LogCaller, Message: "My sink is leaking", OffsetSecs: 1},
	}))
	text, err := sums.Generate(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, "Caller reported a leaking sink.", text)
	require.Equal(t, "Acme Plumbing", seen.BusinessName)
	require.Equal(t, "Caller: My sink is leaking", seen.Text)

	stored, err := f.st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, text, stored.Summary)
}

type blockingGenerator struct {
	release chan struct{}
	count   atomic.Int32
}

func (g *blockingGenerator) Generate(ctx context.Context, _ string) (string, error) {
	g.count.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return "ok", nil
}

func TestSummaryQueueDeduplicates(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	q := NewSummaryQueue(gen, QueueOptions{Workers: 1, QueueSize: 4}, nil)

	require.True(t, q.Enqueue("call-1"))
	require.False(t, q.Enqueue("call-1"))
	require.False(t, q.Enqueue(""))
	require.Equal(t, 1, q.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return gen.count.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, q.Enqueue("call-1"), "running job must still dedupe")
	close(gen.release)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, q.Enqueue("call-1"))

	cancel()
	<-done
	require.False(t, q.Enqueue("call-2"))
}

type flakyGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *flakyGenerator) Generate(context.Context, string) (string, error) {
	if g.calls.Add(1) == 1 {
		return "", g.err
	}
	return "ok", nil
}

func TestSummaryQueueRetries(t *testing.T) {
	cases := map[string]struct {
		err       error
		wantCalls int32
	}{
		"transient": {err: errorsx.New(errorsx.ReasonLLMGenerate, "boom"), wantCalls: 2},
		"empty":     {err: errorsx.New(errorsx.ReasonEmptyTranscript, "nothing"), wantCalls: 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gen := &flakyGenerator{err: tc.err}
			q := NewSummaryQueue(gen, QueueOptions{Workers: 1, Retry: resilience.RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}}, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = q.Run(ctx) }()
			require.True(t, q.Enqueue("c"))
			require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
			require.Equal(t, tc.wantCalls, gen.calls.Load())
		})
	}
}

type slowGenerator struct {
	mu   sync.Mutex
	done []string
}

func (g *slowGenerator) Generate(ctx context.Context, callID string) (string, error) {
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done = append(g.done, callID)
	return "ok", nil
}

func TestSummaryQueueShutdownDrains(t *testing.T) {
	gen := &slowGenerator{}
	q := NewSummaryQueue(gen, QueueOptions{Workers: 1, QueueSize: 4}, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(id))
	}
	runDone := make(chan struct{})
	go func() {
		_ = q.Run(context.Background())
		close(runDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	<-runDone
	require.ElementsMatch(t, []string{"a", "b", "c"}, gen.done)
	require.Zero(t, q.Pending())
	require.False(t, q.Enqueue("d"), "closed queue rejects jobs")
}

func TestSummaryQueueShutdownDeadline(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	q := NewSummaryQueue(gen, QueueOptions{Workers: 1, QueueSize: 4}, nil)
	require.True(t, q.Enqueue("a"))
	require.True(t, q.Enqueue("b"))
	go func() { _ = q.Run(context.Background()) }()
	require.Eventually(t, func() bool { return gen.count.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)
}

func TestSummaryQueueBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := func(sid string) *store.Call {
		c, err := f.svc.StartPhoneCall(ctx, f.biz.ID, store.DirectionInbound, sid, "+15557654321", f.biz.PhoneNumber)
		require.NoError(t, err)
		return c
	}
	missing, summarized := start("CA1"), start("CA2")
	start("CA3") // no transcript yet
	for _, c := range []*store.Call{missing, summarized} {
		require.NoError(t, f.st.ReplaceCallLogs(ctx, c.ID, []store.CallLog{
			{Role: store.LogCaller, Message: "Please call me back", OffsetSecs: 1},
		}))
	}
	require.NoError(t, f.st.SetCallSummary(ctx, summarized.ID, "Caller wants a callback."))

	q := NewSummaryQueue(&slowGenerator{}, QueueOptions{Workers: 1, QueueSize: 4}, nil)
	n, err := q.Backfill(ctx, f.st)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, q.Pending())
	require.False(t, q.Enqueue(missing.ID), "backfilled call is already queued")

	n, err = q.Backfill(ctx, f.st)
	require.NoError(t, err)
	require.Zero(t, n)
}

func phoneConversation(sid string) elevenlabs.Conversation {
	return elevenlabs.Conversation{
		AgentID:        "agent_1",
		ConversationID: "conv_1",
		Transcript: []elevenlabs.TranscriptTurn{
			{Role: "agent", Message: "Acme Plumbing, how can I help?", TimeInCallSecs: 0},
			{Role: "user", Message: "My sink is leaking.", TimeInCallSecs: 3},
			{Role: "agent", Message: "", TimeInCallSecs: 5},
		},
		Metadata: elevenlabs.ConversationMetadata{
			StartTimeUnixSecs: 1700000000,
			CallDurationSecs:  95,
			PhoneCall:         &elevenlabs.PhoneCall{CallSID: sid, Direction: "inbound", ExternalNumber: "+15557654321", AgentNumber: "+15550001111"},
		},
	}
}

func TestIngestConversationForKnownCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.svc.StartPhoneCall(ctx, f.biz.ID, store.DirectionInbound, "CA123", "+15557654321", f.biz.PhoneNumber)
	require.NoError(t, err)

	call, err := f.svc.IngestConversation(ctx, phoneConversation("CA123"))
	require.NoError(t, err)
	require.Equal(t, started.ID, call.ID)
	require.Equal(t, store.CallCompleted, call.Status)
	require.Equal(t, 95, call.DurationSecs)
	require.Equal(t, "conv_1", call.ConversationID)
	require.NotNil(t, call.EndedAt)
	require.Equal(t, time.Unix(1700000095, 0).UTC(), call.EndedAt.UTC())

	logs, err := f.st.ListCallLogs(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, store.LogCaller, logs[1].Role)

	require.Equal(t, 95, f.usage.calls[f.biz.ID])
	require.Equal(t, []string{call.ID}, f.queue.ids)
	require.Equal(t, []store.CallStatus{store.CallRinging, store.CallCompleted}, f.pub.statuses)

	again, err := f.svc.IngestConversation(ctx, phoneConversation("CA123"))
	require.NoError(t, err)
	require.Nil(t, again)
	require.Equal(t, 95, f.usage.calls[f.biz.ID], "redelivery must not bill twice")
}

func TestIngestConversationCreatesWebCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SaveAgentConfig(ctx, &store.AgentConfig{BusinessID: f.biz.ID, ElevenLabsAgentID: "agent_web"}))

	conv := elevenlabs.Conversation{
		AgentID:        "agent_web",
		ConversationID: "conv_web",
		Transcript:     []elevenlabs.TranscriptTurn{{Role: "user", Message: "Hello?", TimeInCallSecs: 1}},
		Metadata:       elevenlabs.ConversationMetadata{CallDurationSecs: 20},
	}
	call, err := f.svc.IngestConversation(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, store.DirectionWeb, call.Direction)
	require.Equal(t, f.biz.ID, call.BusinessID)

	stored, err := f.st.FindCallByConversationID(ctx, "conv_web")
	require.NoError(t, err)
	require.Equal(t, call.ID, stored.ID)
	require.Equal(t, store.CallCompleted, stored.Status)
}

func TestIngestConversationUnknownAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := elevenlabs.Conversation{
		AgentID:        "agent_late",
		ConversationID: "conv_x",
		Transcript:     []elevenlabs.TranscriptTurn{{Role: "user", Message: "Hi there", TimeInCallSecs: 1}},
		Metadata:       elevenlabs.ConversationMetadata{CallDurationSecs: 30},
	}
	_, err := f.svc.IngestConversation(ctx, conv)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonNotFound), "got %v", err)
	require.Empty(t, f.usage.calls)

	// Once the agent config lands, the redelivery is ingested.
	require.NoError(t, f.st.SaveAgentConfig(ctx, &store.AgentConfig{BusinessID: f.biz.ID, ElevenLabsAgentID: "agent_late"}))
	call, err := f.svc.IngestConversation(ctx, conv)
	require.NoError(t, err)
	require.NotNil(t, call)
	require.Equal(t, f.biz.ID, call.BusinessID)
	require.Equal(t, 30, f.usage.calls[f.biz.ID])
}

func TestApplyTwilioStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StartPhoneCall(ctx, f.biz.ID, store.DirectionInbound, "CA9", "+15557654321", f.biz.PhoneNumber)
	require.NoError(t, err)

	call, err := f.svc.ApplyTwilioStatus(ctx, "CA9", "in-progress", 0)
	require.NoError(t, err)
	require.Equal(t, store.CallInProgress, call.Status)
	require.Nil(t, call.EndedAt)

	call, err = f.svc.ApplyTwilioStatus(ctx, "CA9", "completed", 42)
	require.NoError(t, err)
	require.Equal(t, store.CallCompleted, call.Status)
	require.Equal(t, 42, call.DurationSecs)
	require.NotNil(t, call.EndedAt)

	call, err = f.svc.ApplyTwilioStatus(ctx, "CA9", "ringing", 0)
	require.NoError(t, err)
	require.Equal(t, store.CallCompleted, call.Status)

	_, err = f.svc.ApplyTwilioStatus(ctx, "CA9", "exploded", 0)
	require.True(t, errorsx.HasReason(err, errorsx.ReasonValidation))

	blocked, err := f.svc.StartBlocked(ctx, f.biz.ID, "CA10", "+15557654321", f.biz.PhoneNumber)
	require.NoError(t, err)
	call, err = f.svc.ApplyTwilioStatus(ctx, "CA10", "completed", 7)
	require.NoError(t, err)
	require.Equal(t, blocked.ID, call.ID)
	require.Equal(t, store.CallBlocked, call.Status)
}

type fakeFetcher struct{ url string }

func (f *fakeFetcher) FetchRecording(_ context.Context, url string) ([]byte, string, error) {
	f.url = url
	return []byte("ID3audio"), "audio/mpeg", nil
}

type fakeUploader struct{ name string }

func (u *fakeUploader) Upload(_ context.Context, name, _ string, _ []byte) (string, error) {
	u.name = name
	return "https://utfs.io/f/" + name, nil
}

type fakeTranscriber struct{}

func (fakeTranscriber) TranscribeURL(context.Context, string) (deepgram.Transcript, error) {
	return deepgram.Transcript{
		Text:         "Hi it's Dana please call me back",
		Segments:     []deepgram.Segment{{Text: "Hi it's Dana", StartSecs: 0.4}, {Text: "please call me back", StartSecs: 2.1}},
		DurationSecs: 6,
	}, nil
}

func TestVoicemailProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocked, err := f.svc.StartBlocked(ctx, f.biz.ID, "CAvm", "+15557654321", f.biz.PhoneNumber)
	require.NoError(t, err)

	fetcher, uploader := &fakeFetcher{}, &fakeUploader{}
	vm := NewVoicemail(f.svc, fetcher, uploader, fakeTranscriber{})
	call, err := vm.Process(ctx, Recording{CallSID: "CAvm", URL: "https://api.twilio.com/rec/RE1"})
	require.NoError(t, err)
	require.Equal(t, blocked.ID, call.ID)
	require.Equal(t, store.CallVoicemail, call.Status)
	require.Equal(t, "https://utfs.io/f/voicemail-"+call.ID+".mp3", call.RecordingURL)
	require.Equal(t, 6, call.DurationSecs)
	require.Equal(t, "https://api.twilio.com/rec/RE1", fetcher.url)

	logs, err := f.st.ListCallLogs(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, store.LogSystem, logs[0].Role)
	require.Equal(t, "Caller: Hi it's Dana\nCaller: please call me back", FormatTranscript(logs, 0))
	require.Equal(t, []string{call.ID}, f.queue.ids)
}

func TestPostCallWebhook(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartPhoneCall(context.Background(), f.biz.ID, store.DirectionInbound, "CA77", "+15557654321", f.biz.PhoneNumber)
	require.NoError(t, err)
	h := NewPostCallWebhook(f.svc, "whsec")

	body, err := json.Marshal(elevenlabs.WebhookEvent{
		Type:           elevenlabs.EventPostCallTranscription,
		EventTimestamp: time.Now().Unix(),
		Data:           phoneConversation("CA77"),
	})
	require.NoError(t, err)
	post := func(secret string) *httptest.ResponseRecorder {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/elevenlabs", bytes.NewReader(body))
		req.Header.Set(elevenlabs.SignatureHeader, "t="+ts+",v0="+elevenlabs.Sign(secret, ts, body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, post("wrong").Code)
	rec := post("whsec")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `"ok"`))
	rec = post("whsec")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate")

	orphan := phoneConversation("CA78")
	orphan.AgentID, orphan.ConversationID = "agent_unknown", "conv_orphan"
	body, err = json.Marshal(elevenlabs.WebhookEvent{
		Type:           elevenlabs.EventPostCallTranscription,
		EventTimestamp: time.Now().Unix(),
		Data:           orphan,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, post("whsec").Code)
	require.Equal(t, http.StatusServiceUnavailable, post("whsec").Code, "unresolved conversation is not recorded as seen")
}
