package store

import (
	"context"
	"strings"
)

const agentColumns = `business_id, elevenlabs_agent_id, voice_id, voice_name, greeting, prompt, language, tool_ids, updated_at`

func (s *Store) GetAgentConfig(ctx context.Context, businessID string) (*AgentConfig, error) {
	return scanAgentConfig(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_configs WHERE business_id = ?`, businessID))
}

// FindAgentConfigByAgentID resolves the business behind an ElevenLabs agent.
func (s *Store) FindAgentConfigByAgentID(ctx context.Context, agentID string) (*AgentConfig, error) {
	if agentID == "" {
		return nil, ErrNotFound
	}
	return scanAgentConfig(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_configs WHERE elevenlabs_agent_id = ?`, agentID))
}

func scanAgentConfig(row rowScanner) (*AgentConfig, error) {
	var (
		cfg     AgentConfig
		toolIDs string
		updated int64
	)
	err := row.Scan(&cfg.BusinessID, &cfg.ElevenLabsAgentID, &cfg.VoiceID, &cfg.VoiceName, &cfg.Greeting, &cfg.Prompt,
		&cfg.Language, &toolIDs, &updated)
	if err != nil {
		return nil, wrapDB(err)
	}
	if toolIDs != "" {
		cfg.ToolIDs = strings.Split(toolIDs, ",")
	}
	cfg.UpdatedAt = fromMillis(updated)
	return &cfg, nil
}

func (s *Store) SaveAgentConfig(ctx context.Context, cfg *AgentConfig) error {
	cfg.UpdatedAt = s.now().UTC()
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_configs (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(business_id) DO UPDATE SET
			elevenlabs_agent_id = excluded.elevenlabs_agent_id,
			voice_id = excluded.voice_id,
			voice_name = excluded.voice_name,
			greeting = excluded.greeting,
			prompt = excluded.prompt,
			language = excluded.language,
			tool_ids = excluded.tool_ids,
			updated_at = excluded.updated_at`,
		cfg.BusinessID, cfg.ElevenLabsAgentID, cfg.VoiceID, cfg.VoiceName, cfg.Greeting, cfg.Prompt, cfg.Language,
		strings.Join(cfg.ToolIDs, ","), toMillis(cfg.UpdatedAt))
	return wrapDB(err)
}
