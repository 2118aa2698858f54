package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/ringdesk/pkg/agents"
	"github.com/harunnryd/ringdesk/pkg/auth"
	"github.com/harunnryd/ringdesk/pkg/billing"
	"github.com/harunnryd/ringdesk/pkg/providers/elevenlabs"
	"github.com/harunnryd/ringdesk/pkg/store"
	"github.com/stretchr/testify/require"
)

type fakeAgents struct {
	ensured []string
	cfg     store.AgentConfig
}

func (f *fakeAgents) Get(_ context.Context, businessID string) (*store.AgentConfig, error) {
	cfg := f.cfg
	cfg.BusinessID = businessID
	return &cfg, nil
}

func (f *fakeAgents) Update(ctx context.Context, businessID string, _ agents.Update) (*store.AgentConfig, error) {
	return f.Get(ctx, businessID)
}

func (f *fakeAgents) SetVoice(ctx context.Context, businessID, voiceID string) (*store.AgentConfig, error) {
	f.cfg.VoiceID = voiceID
	return f.Get(ctx, businessID)
}

func (f *fakeAgents) ListVoices(context.Context) ([]elevenlabs.Voice, error) {
	return []elevenlabs.Voice{{VoiceID: "v1", Name: "Rachel"}}, nil
}

func (f *fakeAgents) EnsureAgent(ctx context.Context, businessID string) (*store.AgentConfig, error) {
	f.ensured = append(f.ensured, businessID)
	return f.Get(ctx, businessID)
}

func (f *fakeAgents) WebCallURL(context.Context, string) (string, error) {
	return "wss://voice.example/signed", nil
}

type fakeTools struct {
	calls []string
}

func (f *fakeTools) HandleTool(_ context.Context, name, businessID string, args map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, name+"@"+businessID)
	return map[string]any{"ok": true, "args": len(args)}, nil
}

type fixture struct {
	st     *store.Store
	issuer *auth.Issuer
	agents *fakeAgents
	tools  *fakeTools
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		st:     st,
		issuer: auth.NewIssuer("test-secret-test-secret", time.Hour),
		agents: &fakeAgents{},
		tools:  &fakeTools{},
	}
	s := NewServer(Deps{
		Store:    st,
		Issuer:   f.issuer,
		Enforcer: billing.NewEnforcer(st, billing.Policy{Grace: billing.DefaultGracePeriod}, nil, nil),
		Catalog:  billing.NewCatalog([]billing.Plan{{ProductID: "prod_basic", Name: "Basic", Minutes: 100}}),
		Agents:   f.agents,
		Tools:    f.tools,
	}, Options{ToolSecret: "tool-secret"})
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, out
}

// onboarded registers a user and creates their business, returning the
// business-scoped token.
func (f *fixture) onboarded(t *testing.T, email, phone string) (string, *store.Business) {
	t.Helper()
	res, body := f.do(t, http.MethodPost, "/api/auth/register", "", credentials{Email: email, Password: "correct horse battery"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var sess sessionResponse
	require.NoError(t, json.Unmarshal(body, &sess))

	name := "Acme Plumbing"
	res, body = f.do(t, http.MethodPost, "/api/onboarding", sess.Token, businessInput{Name: &name, PhoneNumber: &phone})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var ob onboardResponse
	require.NoError(t, json.Unmarshal(body, &ob))
	require.NotEmpty(t, ob.Business.ID)
	return ob.Token, ob.Business
}

func TestRegisterOnboardAndMe(t *testing.T) {
	f := newFixture(t)
	token, biz := f.onboarded(t, "owner@example.com", "+15550001000")
	require.Equal(t, []string{biz.ID}, f.agents.ensured)

	res, body := f.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var me meResponse
	require.NoError(t, json.Unmarshal(body, &me))
	require.Equal(t, biz.ID, me.Business.ID)
	require.NotNil(t, me.Verdict)
	require.False(t, me.Verdict.Valid)
	require.Equal(t, billing.ReasonNoSubscription, me.Verdict.Reason)
}

func TestOnboardingWithStaleTokenConflicts(t *testing.T) {
	f := newFixture(t)
	res, body := f.do(t, http.MethodPost, "/api/auth/register", "", credentials{Email: "stale@example.com", Password: "correct horse battery"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var sess sessionResponse
	require.NoError(t, json.Unmarshal(body, &sess))

	name, phone := "Acme Plumbing", "+15550001010"
	res, body = f.do(t, http.MethodPost, "/api/onboarding", sess.Token, businessInput{Name: &name, PhoneNumber: &phone})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var ob onboardResponse
	require.NoError(t, json.Unmarshal(body, &ob))

	other, otherPhone := "Second Shop", "+15550001011"
	res, body = f.do(t, http.MethodPost, "/api/onboarding", sess.Token, businessInput{Name: &other, PhoneNumber: &otherPhone})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))

	u, err := f.st.FindUserByEmail(context.Background(), "stale@example.com")
	require.NoError(t, err)
	require.Equal(t, ob.Business.ID, u.BusinessID)
	_, err = f.st.FindBusinessByPhone(context.Background(), otherPhone)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	f := newFixture(t)
	in := credentials{Email: "dup@example.com", Password: "correct horse battery"}
	res, _ := f.do(t, http.MethodPost, "/api/auth/register", "", in)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, body := f.do(t, http.MethodPost, "/api/auth/register", "", in)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.onboarded(t, "login@example.com", "+15550001001")
	res, _ := f.do(t, http.MethodPost, "/api/auth/login", "", credentials{Email: "login@example.com", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestBusinessRoutesRequireOnboarding(t *testing.T) {
	f := newFixture(t)
	res, body := f.do(t, http.MethodPost, "/api/auth/register", "", credentials{Email: "new@example.com", Password: "correct horse battery"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var sess sessionResponse
	require.NoError(t, json.Unmarshal(body, &sess))

	res, _ = f.do(t, http.MethodGet, "/api/calls", sess.Token, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = f.do(t, http.MethodGet, "/api/calls", "", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCallsAreScopedToBusiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokenA, bizA := f.onboarded(t, "a@example.com", "+15550002000")
	tokenB, _ := f.onboarded(t, "b@example.com", "+15550003000")

	call := &store.Call{BusinessID: bizA.ID, Direction: store.DirectionInbound, Status: store.CallCompleted, StartedAt: time.Now()}
	require.NoError(t, f.st.CreateCall(ctx, call))
	require.NoError(t, f.st.ReplaceCallLogs(ctx, call.ID, []store.CallLog{
		{Role: store.LogCaller, Message: "Hi, my boiler is broken"},
	}))

	res, body := f.do(t, http.MethodGet, "/api/calls", tokenA, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list callList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Total)

	res, body = f.do(t, http.MethodGet, "/api/calls/"+call.ID, tokenA, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var detail struct {
		ID   string          `json:"id"`
		Logs []store.CallLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(body, &detail))
	require.Equal(t, call.ID, detail.ID)
	require.Len(t, detail.Logs, 1)

	res, _ = f.do(t, http.MethodGet, "/api/calls/"+call.ID, tokenB, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = f.do(t, http.MethodGet, "/api/calls", tokenB, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Zero(t, list.Total)
	require.NotNil(t, list.Calls)
}

func TestUnconfiguredIntegrationsAnswerUnavailable(t *testing.T) {
	f := newFixture(t)
	token, biz := f.onboarded(t, "u@example.com", "+15550004000")
	call := &store.Call{BusinessID: biz.ID, Direction: store.DirectionWeb, Status: store.CallCompleted, StartedAt: time.Now()}
	require.NoError(t, f.st.CreateCall(context.Background(), call))

	res, _ := f.do(t, http.MethodPost, "/api/calls/"+call.ID+"/summary", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	res, _ = f.do(t, http.MethodPost, "/api/billing/checkout", token, map[string]string{"product_id": "prod_basic"})
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestWebCallNeedsValidSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, biz := f.onboarded(t, "w@example.com", "+15550005000")

	res, body := f.do(t, http.MethodPost, "/api/agent/web-call", token, nil)
	require.Equal(t, http.StatusPaymentRequired, res.StatusCode, string(body))

	now := time.Now()
	require.NoError(t, f.st.UpsertSubscription(ctx, &store.Subscription{
		BusinessID:         biz.ID,
		Plan:               "Basic",
		Status:             store.SubscriptionActive,
		MinutesLimit:       100,
		CurrentPeriodStart: now.Add(-time.Hour),
		CurrentPeriodEnd:   now.Add(24 * time.Hour),
	}))
	res, body = f.do(t, http.MethodPost, "/api/agent/web-call", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Contains(t, string(body), "wss://voice.example/signed")

	res, body = f.do(t, http.MethodGet, "/api/billing", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status billingResponse
	require.NoError(t, json.Unmarshal(body, &status))
	require.True(t, status.Verdict.Valid)
	require.Len(t, status.Plans, 1)
}

func TestSetVoice(t *testing.T) {
	f := newFixture(t)
	token, _ := f.onboarded(t, "v@example.com", "+15550006000")
	res, body := f.do(t, http.MethodPut, "/api/agent/voice", token, map[string]string{"voice_id": " v1 "})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Equal(t, "v1", f.agents.cfg.VoiceID)

	res, _ = f.do(t, http.MethodPut, "/api/agent/voice", token, map[string]string{"voice": "v1"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ownerToken, _ := f.onboarded(t, "o@example.com", "+15550007000")

	res, _ := f.do(t, http.MethodGet, "/admin/stats", ownerToken, nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	hash, err := auth.HashPassword("admin password")
	require.NoError(t, err)
	admin := &store.User{Email: "admin@example.com", PasswordHash: hash, Role: store.RoleAdmin}
	require.NoError(t, f.st.CreateUser(ctx, admin))
	adminToken, err := f.issuer.Issue(admin)
	require.NoError(t, err)

	res, body := f.do(t, http.MethodGet, "/admin/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var stats store.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, 1, stats.Businesses)
	require.Equal(t, 2, stats.Users)

	for _, path := range []string{"/admin/businesses", "/admin/calls/daily?days=7", "/admin/plans"} {
		res, body := f.do(t, http.MethodGet, path, adminToken, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, path+": "+string(body))
	}
}

func TestToolWebhookChecksSecret(t *testing.T) {
	f := newFixture(t)
	post := func(secret, query string) int {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/tools/take_message"+query, bytes.NewBufferString(`{"body":"call me back"}`))
		require.NoError(t, err)
		if secret != "" {
			req.Header.Set(agents.ToolSecretHeader, secret)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, post("", "?business_id=b1"))
	require.Equal(t, http.StatusUnauthorized, post("wrong", "?business_id=b1"))
	require.Equal(t, http.StatusBadRequest, post("tool-secret", ""))
	require.Equal(t, http.StatusOK, post("tool-secret", "?business_id=b1"))
	require.Equal(t, []string{"take_message@b1"}, f.tools.calls)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	res, _ := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}
