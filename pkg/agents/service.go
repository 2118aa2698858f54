// Package agents keeps each business's voice agent configuration in sync
// with ElevenLabs.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/providers/elevenlabs"
	"github.com/harunnryd/ringdesk/pkg/store"
)

// ToolSecretHeader carries the shared secret on tool webhooks.
const ToolSecretHeader = "X-Ringdesk-Tool-Secret"

const voiceCacheTTL = 10 * time.Minute

// VoiceProvider is the ElevenLabs surface the service needs.
type VoiceProvider interface {
	CreateAgent(ctx context.Context, spec elevenlabs.AgentSpec) (string, error)
	UpdateAgent(ctx context.Context, agentID string, spec elevenlabs.AgentSpec) error
	ListVoices(ctx context.Context) ([]elevenlabs.Voice, error)
	CreateWebhookTool(ctx context.Context, tool elevenlabs.WebhookTool) (string, error)
	GetSignedURL(ctx context.Context, agentID string) (string, error)
	RegisterTwilioCall(ctx context.Context, req elevenlabs.RegisterCallRequest) (string, error)
}

type Store interface {
	GetBusiness(ctx context.Context, id string) (*store.Business, error)
	GetAgentConfig(ctx context.Context, businessID string) (*store.AgentConfig, error)
	SaveAgentConfig(ctx context.Context, cfg *store.AgentConfig) error
}

type Options struct {
	PublicURL      string
	ToolSecret     string
	DefaultVoiceID string
	Language       string
}

type Service struct {
	store Store
	voice VoiceProvider
	opts  Options
	obs   metrics.Observer
	log   *slog.Logger
	now   func() time.Time

	// One sync at a time per business so concurrent saves cannot create two agents.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	voicesMu      sync.Mutex
	voices        []elevenlabs.Voice
	voicesFetched time.Time
}

func NewService(st Store, voice VoiceProvider, opts Options, obs metrics.Observer, log *slog.Logger) *Service {
	if opts.Language == "" {
		opts.Language = "en"
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: st,
		voice: voice,
		opts:  opts,
		obs:   obs,
		log:   log,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// Update is a partial change to an agent configuration.
type Update struct {
	Greeting *string `json:"greeting"`
	Prompt   *string `json:"prompt"`
	Language *string `json:"language"`
}

// Get returns the stored configuration, or the defaults for a business that
// never saved one.
func (s *Service) Get(ctx context.Context, businessID string) (*store.AgentConfig, error) {
	cfg, err := s.store.GetAgentConfig(ctx, businessID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	b, err := s.store.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	return s.defaults(b), nil
}

func (s *Service) Update(ctx context.Context, businessID string, u Update) (*store.AgentConfig, error) {
	unlock := s.lock(businessID)
	defer unlock()

	cfg, err := s.Get(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if u.Greeting != nil {
		cfg.Greeting = strings.TrimSpace(*u.Greeting)
	}
	if u.Prompt != nil {
		cfg.Prompt = strings.TrimSpace(*u.Prompt)
	}
	if u.Language != nil && strings.TrimSpace(*u.Language) != "" {
		cfg.Language = strings.ToLower(strings.TrimSpace(*u.Language))
	}
	if cfg.Greeting == "" || cfg.Prompt == "" {
		return nil, errorsx.New(errorsx.ReasonValidation, "greeting and prompt are required")
	}
	return cfg, s.syncAndSave(ctx, cfg)
}

// SetVoice switches the agent to a voice from the ElevenLabs catalogue.
func (s *Service) SetVoice(ctx context.Context, businessID, voiceID string) (*store.AgentConfig, error) {
	voices, err := s.ListVoices(ctx)
	if err != nil {
		return nil, err
	}
	var chosen *elevenlabs.Voice
	for i := range voices {
		if voices[i].VoiceID == voiceID {
			chosen = &voices[i]
			break
		}
	}
	if chosen == nil {
		return nil, errorsx.New(errorsx.ReasonValidation, "unknown voice %q", voiceID)
	}

	unlock := s.lock(businessID)
	defer unlock()
	cfg, err := s.Get(ctx, businessID)
	if err != nil {
		return nil, err
	}
	cfg.VoiceID = chosen.VoiceID
	cfg.VoiceName = chosen.Name
	return cfg, s.syncAndSave(ctx, cfg)
}

// ListVoices returns the voice catalogue, cached for ten minutes.
func (s *Service) ListVoices(ctx context.Context) ([]elevenlabs.Voice, error) {
	s.voicesMu.Lock()
	defer s.voicesMu.Unlock()
	if s.voices != nil && s.now().Sub(s.voicesFetched) < voiceCacheTTL {
		return s.voices, nil
	}
	voices, err := s.voice.ListVoices(ctx)
	if err != nil {
		if s.voices != nil {
			s.log.Warn("voice_catalogue_stale", "error", err)
			return s.voices, nil
		}
		return nil, err
	}
	s.voices = voices
	s.voicesFetched = s.now()
	return voices, nil
}

// EnsureAgent creates the ElevenLabs agent for a business that has none yet.
func (s *Service) EnsureAgent(ctx context.Context, businessID string) (*store.AgentConfig, error) {
	unlock := s.lock(businessID)
	defer unlock()
	cfg, err := s.Get(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if cfg.ElevenLabsAgentID != "" {
		return cfg, nil
	}
	return cfg, s.syncAndSave(ctx, cfg)
}

// WebCallURL returns a signed websocket URL for a browser test call.
func (s *Service) WebCallURL(ctx context.Context, businessID string) (string, error) {
	cfg, err := s.EnsureAgent(ctx, businessID)
	if err != nil {
		return "", err
	}
	return s.voice.GetSignedURL(ctx, cfg.ElevenLabsAgentID)
}

// AnswerPhoneCall hands an inbound phone call to the business's agent and
// returns the TwiML that connects it.
func (s *Service) AnswerPhoneCall(ctx context.Context, businessID, callID, from, to string) (string, error) {
	cfg, err := s.EnsureAgent(ctx, businessID)
	if err != nil {
		return "", err
	}
	return s.voice.RegisterTwilioCall(ctx, elevenlabs.RegisterCallRequest{
		AgentID:    cfg.ElevenLabsAgentID,
		FromNumber: from,
		ToNumber:   to,
		DynamicVariables: map[string]string{
			"business_id": businessID,
			"call_id":     callID,
		},
	})
}

func (s *Service) syncAndSave(ctx context.Context, cfg *store.AgentConfig) error {
	b, err := s.store.GetBusiness(ctx, cfg.BusinessID)
	if err != nil {
		return err
	}
	if len(cfg.ToolIDs) == 0 {
		ids, err := s.registerTools(ctx, cfg.BusinessID)
		if err != nil {
			if len(ids) > 0 {
				s.log.Warn("agent_tools_orphaned", "business_id", cfg.BusinessID, "tool_ids", ids)
			}
			return err
		}
		// Persist remote ids as soon as they exist so a failed create below
		// does not register the tools again on the next sync.
		if len(ids) > 0 {
			cfg.ToolIDs = ids
			if err := s.store.SaveAgentConfig(ctx, cfg); err != nil {
				s.log.Error("agent_tools_unsaved", "business_id", cfg.BusinessID, "tool_ids", ids, "error", err)
				return fmt.Errorf("save tool ids: %w", err)
			}
		}
	}
	spec := elevenlabs.AgentSpec{
		Name:         b.Name,
		FirstMessage: cfg.Greeting,
		Prompt:       cfg.Prompt,
		Language:     cfg.Language,
		VoiceID:      cfg.VoiceID,
		ToolIDs:      cfg.ToolIDs,
	}
	op := "update"
	if cfg.ElevenLabsAgentID == "" {
		op = "create"
		id, err := s.voice.CreateAgent(ctx, spec)
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		cfg.ElevenLabsAgentID = id
	} else if err := s.voice.UpdateAgent(ctx, cfg.ElevenLabsAgentID, spec); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if err := s.store.SaveAgentConfig(ctx, cfg); err != nil {
		if op == "create" {
			s.log.Error("agent_unsaved", "business_id", cfg.BusinessID, "agent_id", cfg.ElevenLabsAgentID, "error", err)
		}
		return err
	}
	metrics.Record(s.obs, metrics.EventAgentSynced, 1, map[string]string{"op": op})
	s.log.Info("agent_synced", "business_id", cfg.BusinessID, "agent_id", cfg.ElevenLabsAgentID, "op", op)
	return nil
}

func (s *Service) registerTools(ctx context.Context, businessID string) ([]string, error) {
	base := strings.TrimRight(s.opts.PublicURL, "/")
	if base == "" {
		return nil, nil
	}
	var ids []string
	for _, t := range Tools() {
		id, err := s.voice.CreateWebhookTool(ctx, elevenlabs.WebhookTool{
			Name:        t.Name,
			Description: t.Description,
			URL:         base + "/tools/" + t.Name + "?business_id=" + url.QueryEscape(businessID),
			Headers:     map[string]string{ToolSecretHeader: s.opts.ToolSecret},
			Parameters:  t.Schema,
		})
		if err != nil {
			return ids, fmt.Errorf("register tool %s: %w", t.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) defaults(b *store.Business) *store.AgentConfig {
	return &store.AgentConfig{
		BusinessID: b.ID,
		VoiceID:    s.opts.DefaultVoiceID,
		Language:   s.opts.Language,
		Greeting:   fmt.Sprintf("Thanks for calling %s. How can I help you today?", b.Name),
		Prompt: fmt.Sprintf("You are the friendly phone receptionist for %s. Answer questions briefly, "+
			"and when the caller needs a person, take a message with their name, number and request "+
			"using the take_message tool. Never make up prices, hours or availability; "+
			"use business_info or offer to take a message instead.", b.Name),
	}
}

func (s *Service) lock(businessID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[businessID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[businessID] = l
	}
	s.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}
