package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/providers/elevenlabs"
	"github.com/harunnryd/ringdesk/pkg/store"
)

// Store is the persistence the call pipeline needs.
type Store interface {
	SummaryStore
	CreateCall(ctx context.Context, c *store.Call) error
	UpdateCall(ctx context.Context, c *store.Call) error
	FindCallBySID(ctx context.Context, sid string) (*store.Call, error)
	FindCallByConversationID(ctx context.Context, conversationID string) (*store.Call, error)
	FindAgentConfigByAgentID(ctx context.Context, agentID string) (*store.AgentConfig, error)
	ReplaceCallLogs(ctx context.Context, callID string, logs []store.CallLog) error
	RecordWebhookEvent(ctx context.Context, source, id, eventType string) (bool, error)
	ForgetWebhookEvent(ctx context.Context, source, id string) error
}

// UsageRecorder meters billable call time.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, businessID string, durationSecs int) error
}

// Publisher pushes call state changes to connected dashboards.
type Publisher interface {
	PublishCallStatus(call *store.Call)
}

// Queue accepts summary jobs.
type Queue interface {
	Enqueue(callID string) bool
}

// Service applies telephony and voice-agent events to stored calls.
type Service struct {
	store     Store
	usage     UsageRecorder
	queue     Queue
	publisher Publisher
	obs       metrics.Observer
	log       *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Store     Store
	Usage     UsageRecorder
	Queue     Queue
	Publisher Publisher
	Observer  metrics.Observer
	Logger    *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		usage:     d.Usage,
		queue:     d.Queue,
		publisher: d.Publisher,
		obs:       d.Observer,
		log:       d.Logger,
		now:       time.Now,
	}
	if s.obs == nil {
		s.obs = metrics.NoopObserver{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// StartPhoneCall records a phone call the agent is about to answer.
func (s *Service) StartPhoneCall(ctx context.Context, businessID string, dir store.CallDirection, sid, from, to string) (*store.Call, error) {
	call := &store.Call{
		BusinessID:    businessID,
		Direction:     dir,
		TwilioCallSID: sid,
		FromNumber:    from,
		ToNumber:      to,
		Status:        store.CallRinging,
	}
	if err := s.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	metrics.Record(s.obs, metrics.EventCallStarted, 1, map[string]string{"direction": string(call.Direction)})
	s.publish(call)
	return call, nil
}

// StartBlocked records a call that was refused because of the subscription.
func (s *Service) StartBlocked(ctx context.Context, businessID, sid, from, to string) (*store.Call, error) {
	now := s.now().UTC()
	call := &store.Call{
		BusinessID:    businessID,
		Direction:     store.DirectionInbound,
		TwilioCallSID: sid,
		FromNumber:    from,
		ToNumber:      to,
		Status:        store.CallBlocked,
		EndedAt:       &now,
	}
	if err := s.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	s.publish(call)
	return call, nil
}

// twilioStatuses maps Twilio CallStatus values onto call statuses.
var twilioStatuses = map[string]store.CallStatus{
	"queued":      store.CallQueued,
	"initiated":   store.CallQueued,
	"ringing":     store.CallRinging,
	"in-progress": store.CallInProgress,
	"answered":    store.CallInProgress,
	"completed":   store.CallCompleted,
	"busy":        store.CallBusy,
	"no-answer":   store.CallNoAnswer,
	"failed":      store.CallFailed,
	"canceled":    store.CallFailed,
}

// ApplyTwilioStatus updates the call identified by sid from a Twilio status
// callback. Blocked and voicemail calls keep their status; only duration and
// end time are filled in.
func (s *Service) ApplyTwilioStatus(ctx context.Context, sid, twilioStatus string, durationSecs int) (*store.Call, error) {
	next, ok := twilioStatuses[strings.ToLower(strings.TrimSpace(twilioStatus))]
	if !ok {
		return nil, errorsx.New(errorsx.ReasonValidation, "unknown call status %q", twilioStatus)
	}
	call, err := s.store.FindCallBySID(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("find call %s: %w", sid, err)
	}
	switch call.Status {
	case store.CallBlocked, store.CallVoicemail:
	default:
		// A late "ringing" must not reopen a finished call.
		if !call.Status.Terminal() || next.Terminal() {
			call.Status = next
		}
	}
	if durationSecs > call.DurationSecs {
		call.DurationSecs = durationSecs
	}
	if next.Terminal() && call.EndedAt == nil {
		now := s.now().UTC()
		call.EndedAt = &now
	}
	if err := s.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	s.log.Info("call_status_updated", "call_id", call.ID, "status", call.Status, "duration_secs", call.DurationSecs)
	s.publish(call)
	return call, nil
}

// IngestConversation stores the transcript of a finished agent conversation,
// meters its duration and schedules the summary. Redelivered conversations
// are acknowledged without side effects and return a nil call.
func (s *Service) IngestConversation(ctx context.Context, conv elevenlabs.Conversation) (*store.Call, error) {
	if conv.ConversationID == "" {
		return nil, errorsx.New(errorsx.ReasonWebhookPayload, "conversation_id is required")
	}
	fresh, err := s.store.RecordWebhookEvent(ctx, "elevenlabs", conv.ConversationID, elevenlabs.EventPostCallTranscription)
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	if !fresh {
		s.log.Info("conversation_duplicate", "conversation_id", conv.ConversationID)
		return nil, nil
	}
	call, err := s.ingest(ctx, conv)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonWebhookPayload) {
			return nil, err
		}
		if ferr := s.store.ForgetWebhookEvent(ctx, "elevenlabs", conv.ConversationID); ferr != nil {
			s.log.Warn("webhook_event_forget_failed", "conversation_id", conv.ConversationID, "error", ferr)
		}
		return nil, err
	}
	return call, nil
}

func (s *Service) ingest(ctx context.Context, conv elevenlabs.Conversation) (*store.Call, error) {
	call, created, err := s.resolveCall(ctx, conv)
	if err != nil {
		return nil, err
	}

	call.ConversationID = conv.ConversationID
	if conv.Metadata.CallDurationSecs > call.DurationSecs {
		call.DurationSecs = conv.Metadata.CallDurationSecs
	}
	if call.Status != store.CallBlocked && call.Status != store.CallVoicemail {
		call.Status = store.CallCompleted
	}
	if call.EndedAt == nil {
		end := s.now().UTC()
		if conv.Metadata.StartTimeUnixSecs > 0 {
			end = time.Unix(conv.Metadata.StartTimeUnixSecs, 0).UTC().
				Add(time.Duration(conv.Metadata.CallDurationSecs) * time.Second)
		}
		call.EndedAt = &end
	}
	if created {
		err = s.store.CreateCall(ctx, call)
	} else {
		err = s.store.UpdateCall(ctx, call)
	}
	if err != nil {
		return nil, fmt.Errorf("save call: %w", err)
	}

	logs := make([]store.CallLog, 0, len(conv.Transcript))
	for _, turn := range conv.Transcript {
		if strings.TrimSpace(turn.Message) == "" {
			continue
		}
		logs = append(logs, store.CallLog{
			Role:       LogRoleFor(turn.Role),
			Message:    turn.Message,
			OffsetSecs: turn.TimeInCallSecs,
		})
	}
	if err := s.store.ReplaceCallLogs(ctx, call.ID, logs); err != nil {
		return nil, fmt.Errorf("store call logs: %w", err)
	}

	if s.usage != nil {
		if err := s.usage.RecordUsage(ctx, call.BusinessID, call.DurationSecs); err != nil {
			return nil, fmt.Errorf("record usage: %w", err)
		}
	}
	metrics.Record(s.obs, metrics.EventCallCompleted, float64(call.DurationSecs), map[string]string{
		"direction": string(call.Direction),
	})
	s.log.Info("conversation_ingested", "call_id", call.ID, "conversation_id", conv.ConversationID,
		"turns", len(logs), "duration_secs", call.DurationSecs)

	if len(logs) > 0 && s.queue != nil {
		s.queue.Enqueue(call.ID)
	}
	s.publish(call)
	return call, nil
}

// resolveCall finds the stored call for a conversation. Conversations the
// service has never seen (web calls) get a new record, which is returned
// unsaved with created set.
func (s *Service) resolveCall(ctx context.Context, conv elevenlabs.Conversation) (*store.Call, bool, error) {
	if sid := conv.CallSID(); sid != "" {
		call, err := s.store.FindCallBySID(ctx, sid)
		if err == nil {
			return call, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("find call by sid: %w", err)
		}
	}
	call, err := s.store.FindCallByConversationID(ctx, conv.ConversationID)
	if err == nil {
		return call, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("find call by conversation: %w", err)
	}

	businessID := conv.DynamicVariable("business_id")
	if businessID == "" {
		cfg, err := s.store.FindAgentConfigByAgentID(ctx, conv.AgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, false, errorsx.New(errorsx.ReasonNotFound, "no business for agent %q", conv.AgentID)
			}
			return nil, false, fmt.Errorf("find agent config: %w", err)
		}
		businessID = cfg.BusinessID
	}
	if _, err := s.store.GetBusiness(ctx, businessID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, errorsx.New(errorsx.ReasonNotFound, "unknown business %q", businessID)
		}
		return nil, false, fmt.Errorf("load business: %w", err)
	}

	call = &store.Call{
		BusinessID:     businessID,
		Direction:      store.DirectionWeb,
		ConversationID: conv.ConversationID,
	}
	if pc := conv.Metadata.PhoneCall; pc != nil {
		call.TwilioCallSID = pc.CallSID
		call.Direction = store.DirectionInbound
		if pc.Direction == "outbound" {
			call.Direction = store.DirectionOutbound
		}
		call.FromNumber, call.ToNumber = pc.ExternalNumber, pc.AgentNumber
		if call.Direction == store.DirectionOutbound {
			call.FromNumber, call.ToNumber = pc.AgentNumber, pc.ExternalNumber
		}
	}
	if conv.Metadata.StartTimeUnixSecs > 0 {
		call.StartedAt = time.Unix(conv.Metadata.StartTimeUnixSecs, 0).UTC()
	}
	return call, true, nil
}

func (s *Service) publish(call *store.Call) {
	if s.publisher != nil {
		s.publisher.PublishCallStatus(call)
	}
}
