package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/store"
)

const (
	ToolTakeMessage  = "take_message"
	ToolBusinessInfo = "business_info"
)

// Tool is a server tool exposed to the voice agent.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
}

var tools = []Tool{
	{
		Name:        ToolTakeMessage,
		Description: "Save a message for the business when the caller wants someone to call back or leave details.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"caller_name":   map[string]any{"type": "string", "description": "Name the caller gave"},
				"caller_number": map[string]any{"type": "string", "description": "Best number to call back"},
				"message":       map[string]any{"type": "string", "description": "What the caller wants, in their words"},
			},
			"required": []string{"message"},
		},
	},
	{
		Name:        ToolBusinessInfo,
		Description: "Look up the business name, phone number, timezone and the current local time.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

// Tools lists the tools registered with every agent.
func Tools() []Tool {
	out := make([]Tool, len(tools))
	copy(out, tools)
	return out
}

// ToolStore is the persistence used by tool handlers.
type ToolStore interface {
	GetBusiness(ctx context.Context, id string) (*store.Business, error)
	CreateMessage(ctx context.Context, m *store.Message) error
	FindCallBySID(ctx context.Context, sid string) (*store.Call, error)
}

// ToolRegistry runs tool invocations coming from the voice agent.
type ToolRegistry struct {
	store    ToolStore
	handlers map[string]func(ctx context.Context, businessID string, args map[string]any) (map[string]any, error)
	now      func() time.Time
}

func NewToolRegistry(st ToolStore) *ToolRegistry {
	r := &ToolRegistry{store: st, now: time.Now}
	r.handlers = map[string]func(context.Context, string, map[string]any) (map[string]any, error){
		ToolTakeMessage:  r.takeMessage,
		ToolBusinessInfo: r.businessInfo,
	}
	return r
}

func (r *ToolRegistry) HandleTool(ctx context.Context, name, businessID string, args map[string]any) (map[string]any, error) {
	h := r.handlers[name]
	if h == nil {
		return nil, errorsx.New(errorsx.ReasonNotFound, "unknown tool %q", name)
	}
	if businessID == "" {
		return nil, errorsx.New(errorsx.ReasonValidation, "missing business_id")
	}
	return h(ctx, businessID, args)
}

func (r *ToolRegistry) takeMessage(ctx context.Context, businessID string, args map[string]any) (map[string]any, error) {
	body, err := requiredString(args, "message")
	if err != nil {
		return nil, err
	}
	msg := &store.Message{
		BusinessID:   businessID,
		CallerName:   optionalString(args, "caller_name"),
		CallerNumber: optionalString(args, "caller_number"),
		Body:         body,
	}
	if sid := optionalString(args, "call_sid"); sid != "" {
		if call, err := r.store.FindCallBySID(ctx, sid); err == nil {
			msg.CallID = call.ID
			if msg.CallerNumber == "" {
				msg.CallerNumber = call.FromNumber
			}
		}
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return map[string]any{"status": "saved", "message_id": msg.ID}, nil
}

func (r *ToolRegistry) businessInfo(ctx context.Context, businessID string, _ map[string]any) (map[string]any, error) {
	b, err := r.store.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if loc, err := time.LoadLocation(b.Timezone); err == nil && b.Timezone != "" {
		now = now.In(loc)
	}
	return map[string]any{
		"name":         b.Name,
		"phone_number": b.PhoneNumber,
		"timezone":     b.Timezone,
		"local_time":   now.Format("Monday 15:04"),
	}, nil
}

func requiredString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", errorsx.New(errorsx.ReasonValidation, "missing %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errorsx.New(errorsx.ReasonValidation, "invalid %s", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errorsx.New(errorsx.ReasonValidation, "missing %s", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
