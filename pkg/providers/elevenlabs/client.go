package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/harunnryd/ringdesk/pkg/providers/elevenlabs")

// Client talks to the ElevenLabs conversational AI REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(s config.ElevenLabsSettings, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = "https://api.elevenlabs.io"
	}
	return &Client{baseURL: base, apiKey: s.APIKey, http: httpClient}
}

// AgentSpec is the subset of agent settings the service manages.
type AgentSpec struct {
	Name         string
	FirstMessage string
	Prompt       string
	Language     string
	VoiceID      string
	ToolIDs      []string
}

type Agent struct {
	AgentID            string             `json:"agent_id"`
	Name               string             `json:"name"`
	ConversationConfig conversationConfig `json:"conversation_config"`
}

type conversationConfig struct {
	Agent agentConfig `json:"agent"`
	TTS   ttsConfig   `json:"tts"`
}

type agentConfig struct {
	FirstMessage string       `json:"first_message,omitempty"`
	Language     string       `json:"language,omitempty"`
	Prompt       promptConfig `json:"prompt"`
}

type promptConfig struct {
	Prompt  string   `json:"prompt"`
	ToolIDs []string `json:"tool_ids,omitempty"`
}

type ttsConfig struct {
	VoiceID string `json:"voice_id,omitempty"`
}

type agentBody struct {
	Name               string             `json:"name,omitempty"`
	ConversationConfig conversationConfig `json:"conversation_config"`
}

func (s AgentSpec) body() agentBody {
	return agentBody{
		Name: s.Name,
		ConversationConfig: conversationConfig{
			Agent: agentConfig{
				FirstMessage: s.FirstMessage,
				Language:     s.Language,
				Prompt:       promptConfig{Prompt: s.Prompt, ToolIDs: s.ToolIDs},
			},
			TTS: ttsConfig{VoiceID: s.VoiceID},
		},
	}
}

// CreateAgent registers a new conversational agent and returns its id.
func (c *Client) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.do(ctx, "elevenlabs.create_agent", http.MethodPost, "/v1/convai/agents/create", spec.body(), &out); err != nil {
		return "", err
	}
	if out.AgentID == "" {
		return "", errorsx.New(errorsx.ReasonVoiceAgent, "elevenlabs returned no agent id")
	}
	return out.AgentID, nil
}

func (c *Client) UpdateAgent(ctx context.Context, agentID string, spec AgentSpec) error {
	return c.do(ctx, "elevenlabs.update_agent", http.MethodPatch, "/v1/convai/agents/"+url.PathEscape(agentID), spec.body(), nil)
}

func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var out Agent
	if err := c.do(ctx, "elevenlabs.get_agent", http.MethodGet, "/v1/convai/agents/"+url.PathEscape(agentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type Voice struct {
	VoiceID     string            `json:"voice_id"`
	Name        string            `json:"name"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	PreviewURL  string            `json:"preview_url,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := c.do(ctx, "elevenlabs.list_voices", http.MethodGet, "/v1/voices", nil, &out); err != nil {
		return nil, err
	}
	return out.Voices, nil
}

// WebhookTool describes a server tool the agent calls over HTTP.
type WebhookTool struct {
	Name        string
	Description string
	URL         string
	Headers     map[string]string
	// Parameters is a JSON schema object for the request body.
	Parameters map[string]any
}

func (c *Client) CreateWebhookTool(ctx context.Context, tool WebhookTool) (string, error) {
	body := map[string]any{
		"tool_config": map[string]any{
			"type":        "webhook",
			"name":        tool.Name,
			"description": tool.Description,
			"api_schema": map[string]any{
				"url":                 tool.URL,
				"method":              http.MethodPost,
				"request_headers":     tool.Headers,
				"request_body_schema": tool.Parameters,
			},
		},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "elevenlabs.create_tool", http.MethodPost, "/v1/convai/tools", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errorsx.New(errorsx.ReasonVoiceAgent, "elevenlabs returned no tool id")
	}
	return out.ID, nil
}

// RegisterCallRequest hands an inbound Twilio call to an agent.
type RegisterCallRequest struct {
	AgentID          string
	FromNumber       string
	ToNumber         string
	Direction        string
	DynamicVariables map[string]string
}

// RegisterTwilioCall returns the TwiML that bridges the call to the agent.
func (c *Client) RegisterTwilioCall(ctx context.Context, req RegisterCallRequest) (string, error) {
	direction := req.Direction
	if direction == "" {
		direction = "inbound"
	}
	body := map[string]any{
		"agent_id":    req.AgentID,
		"from_number": req.FromNumber,
		"to_number":   req.ToNumber,
		"direction":   direction,
	}
	if len(req.DynamicVariables) > 0 {
		body["conversation_initiation_client_data"] = map[string]any{
			"dynamic_variables": req.DynamicVariables,
		}
	}
	raw, err := c.doRaw(ctx, "elevenlabs.register_call", http.MethodPost, "/v1/convai/twilio/register-call", body)
	if err != nil {
		return "", err
	}
	twiml := strings.TrimSpace(string(raw))
	if !strings.Contains(twiml, "<Response") {
		return "", errorsx.New(errorsx.ReasonVoiceAgent, "register-call returned no TwiML")
	}
	return twiml, nil
}

// GetSignedURL returns a short-lived websocket URL for a browser web call.
func (c *Client) GetSignedURL(ctx context.Context, agentID string) (string, error) {
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	path := "/v1/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(agentID)
	if err := c.do(ctx, "elevenlabs.signed_url", http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.SignedURL, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, "elevenlabs.get_conversation", http.MethodGet,
		"/v1/convai/conversations/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	raw, err := c.doRaw(ctx, op, method, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errorsx.Wrap(fmt.Errorf("decode %s response: %w", op, err), errorsx.ReasonVoiceAgent)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, op, method, path string, in any) ([]byte, error) {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method))

	raw, err := c.send(ctx, method, path, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

func (c *Client) send(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs %s %s: %w", method, path, err), errorsx.ReasonVoiceAgent)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonVoiceAgent)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errorsx.New(errorsx.ReasonNotFound, "elevenlabs %s: not found", path)
	}
	if resp.StatusCode >= 300 {
		return nil, errorsx.New(errorsx.ReasonVoiceAgent, "elevenlabs %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
