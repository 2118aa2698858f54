package store

import "time"

type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
)

type Business struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Onboarded   bool      `json:"onboarded"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	BusinessID   string    `json:"business_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubscriptionStatus mirrors the status values Polar reports.
type SubscriptionStatus string

const (
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionRevoked           SubscriptionStatus = "revoked"
)

type Subscription struct {
	ID                  string             `json:"id"`
	BusinessID          string             `json:"business_id"`
	PolarSubscriptionID string             `json:"polar_subscription_id,omitempty"`
	PolarCustomerID     string             `json:"polar_customer_id,omitempty"`
	ProductID           string             `json:"product_id,omitempty"`
	Plan                string             `json:"plan"`
	Status              SubscriptionStatus `json:"status"`
	MinutesLimit        int                `json:"minutes_limit"`
	MinutesUsed         int                `json:"minutes_used"`
	CurrentPeriodStart  time.Time          `json:"current_period_start"`
	CurrentPeriodEnd    time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd   bool               `json:"cancel_at_period_end"`
	EndedAt             *time.Time         `json:"ended_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

type AgentConfig struct {
	BusinessID        string    `json:"business_id"`
	ElevenLabsAgentID string    `json:"elevenlabs_agent_id,omitempty"`
	VoiceID           string    `json:"voice_id,omitempty"`
	VoiceName         string    `json:"voice_name,omitempty"`
	Greeting          string    `json:"greeting"`
	Prompt            string    `json:"prompt"`
	Language          string    `json:"language"`
	ToolIDs           []string  `json:"tool_ids,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
	DirectionWeb      CallDirection = "web"
)

type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no_answer"
	CallFailed     CallStatus = "failed"
	CallBlocked    CallStatus = "blocked"
	CallVoicemail  CallStatus = "voicemail"
)

// Terminal reports whether no further status transitions are expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallBusy, CallNoAnswer, CallFailed, CallBlocked, CallVoicemail:
		return true
	}
	return false
}

type Call struct {
	ID             string        `json:"id"`
	BusinessID     string        `json:"business_id"`
	Direction      CallDirection `json:"direction"`
	TwilioCallSID  string        `json:"twilio_call_sid,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	FromNumber     string        `json:"from_number,omitempty"`
	ToNumber       string        `json:"to_number,omitempty"`
	Status         CallStatus    `json:"status"`
	DurationSecs   int           `json:"duration_secs"`
	RecordingURL   string        `json:"recording_url,omitempty"`
	Summary        string        `json:"summary,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type LogRole string

const (
	LogCaller LogRole = "caller"
	LogAgent  LogRole = "agent"
	LogSystem LogRole = "system"
)

type CallLog struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	Role       LogRole   `json:"role"`
	Message    string    `json:"message"`
	OffsetSecs float64   `json:"offset_secs"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is a note the agent took for the business during a call.
type Message struct {
	ID           string    `json:"id"`
	BusinessID   string    `json:"business_id"`
	CallID       string    `json:"call_id,omitempty"`
	CallerName   string    `json:"caller_name,omitempty"`
	CallerNumber string    `json:"caller_number,omitempty"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

type CallFilter struct {
	Status CallStatus
	Limit  int
	Offset int
}
