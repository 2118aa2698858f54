package elevenlabs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.ElevenLabsSettings{APIKey: "xi-test", BaseURL: srv.URL}, srv.Client())
}

func TestCreateAndUpdateAgent(t *testing.T) {
	var bodies []agentBody
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "xi-test" {
			t.Errorf("missing api key header")
		}
		var b agentBody
		_ = json.NewDecoder(r.Body).Decode(&b)
		bodies = append(bodies, b)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/convai/agents/create":
			_, _ = w.Write([]byte(`{"agent_id":"agent_1"}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/v1/convai/agents/agent_1":
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	})
	spec := AgentSpec{Name: "Acme", FirstMessage: "Hello", Prompt: "Be kind", Language: "en", VoiceID: "v1", ToolIDs: []string{"t1"}}
	id, err := c.CreateAgent(context.Background(), spec)
	if err != nil || id != "agent_1" {
		t.Fatalf("create agent: %q %v", id, err)
	}
	if err := c.UpdateAgent(context.Background(), id, spec); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	if len(bodies) != 2 || bodies[0].ConversationConfig.TTS.VoiceID != "v1" ||
		bodies[1].ConversationConfig.Agent.Prompt.ToolIDs[0] != "t1" {
		t.Fatalf("unexpected agent bodies: %+v", bodies)
	}
	if err := c.UpdateAgent(context.Background(), "missing", spec); !errorsx.HasReason(err, errorsx.ReasonNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterTwilioCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		if body["agent_id"] != "agent_1" || body["direction"] != "inbound" {
			t.Errorf("unexpected register body: %s", raw)
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="wss://x"/></Connect></Response>`))
	})
	twiml, err := c.RegisterTwilioCall(context.Background(), RegisterCallRequest{
		AgentID: "agent_1", FromNumber: "+1555", ToNumber: "+1666",
		DynamicVariables: map[string]string{"call_id": "c1"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if twiml == "" {
		t.Fatalf("expected twiml")
	}
}

func TestClientRateLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	if _, err := c.ListVoices(context.Background()); !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestVerifyWebhook(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"type":"post_call_transcription","data":{"conversation_id":"conv_1",
		"transcript":[{"role":"agent","message":"Hi","time_in_call_secs":0},{"role":"user","message":"Hello","time_in_call_secs":2}],
		"metadata":{"call_duration_secs":95,"phone_call":{"call_sid":"CA1"}}}}`)
	ts := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	header := "t=" + ts + ",v0=" + Sign("whsec", ts, body)

	ev, err := VerifyWebhook("whsec", header, body, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Type != EventPostCallTranscription || ev.Data.CallSID() != "CA1" ||
		ev.Data.Metadata.CallDurationSecs != 95 || len(ev.Data.Transcript) != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	cases := map[string]struct {
		header string
		now    time.Time
	}{
		"wrong secret": {header: "t=" + ts + ",v0=" + Sign("other", ts, body), now: now},
		"expired":      {header: header, now: now.Add(time.Hour)},
		"malformed":    {header: "garbage", now: now},
	}
	for name, tc := range cases {
		if _, err := VerifyWebhook("whsec", tc.header, body, tc.now); !errorsx.HasReason(err, errorsx.ReasonWebhookInvalidSignature) {
			t.Fatalf("%s: expected invalid signature, got %v", name, err)
		}
	}
}
