package twilio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/schema"
	"github.com/harunnryd/ringdesk/pkg/billing"
	"github.com/harunnryd/ringdesk/pkg/calls"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/redact"
	"github.com/harunnryd/ringdesk/pkg/store"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// Paths the webhooks are mounted on.
const (
	VoicePath     = "/twilio/voice"
	StatusPath    = "/twilio/status"
	RecordingPath = "/twilio/recording"
	HangupPath    = "/twilio/hangup"
)

const (
	voicemailTimeout   = 2 * time.Minute
	unknownNumberSpeak = "Sorry, this number is not in service."
	unavailableSpeak   = "Sorry, we cannot take your call right now. Please try again later."
)

type BusinessFinder interface {
	FindBusinessByPhone(ctx context.Context, phone string) (*store.Business, error)
}

// CallGate decides whether a business may take another call.
type CallGate interface {
	CheckCallAllowed(ctx context.Context, businessID string) (billing.Verdict, error)
}

type CallRecorder interface {
	StartPhoneCall(ctx context.Context, businessID string, dir store.CallDirection, sid, from, to string) (*store.Call, error)
	StartBlocked(ctx context.Context, businessID, sid, from, to string) (*store.Call, error)
	ApplyTwilioStatus(ctx context.Context, sid, status string, durationSecs int) (*store.Call, error)
}

// Answerer connects a call to the business's voice agent and returns TwiML.
type Answerer interface {
	AnswerPhoneCall(ctx context.Context, businessID, callID, from, to string) (string, error)
}

type VoicemailProcessor interface {
	Process(ctx context.Context, rec calls.Recording) (*store.Call, error)
}

type VoicemailOptions struct {
	Enabled       bool
	MaxLengthSecs int
	Prompt        string
	BlockedPrompt string
}

type WebhookOptions struct {
	AuthToken string
	PublicURL string
	// ValidateSignatures rejects requests without a valid X-Twilio-Signature.
	ValidateSignatures bool
	Voicemail          VoicemailOptions
}

type WebhookDeps struct {
	Businesses BusinessFinder
	Gate       CallGate
	Calls      CallRecorder
	Answerer   Answerer
	Voicemail  VoicemailProcessor
	Logger     *slog.Logger
}

// Webhooks serves the Twilio voice, status and recording callbacks.
type Webhooks struct {
	opts    WebhookOptions
	deps    WebhookDeps
	log     *slog.Logger
	decoder *schema.Decoder

	wg sync.WaitGroup
}

func NewWebhooks(opts WebhookOptions, deps WebhookDeps) *Webhooks {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Voicemail.MaxLengthSecs <= 0 {
		opts.Voicemail.MaxLengthSecs = 120
	}
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	dec.ZeroEmpty(true)
	return &Webhooks{opts: opts, deps: deps, log: deps.Logger, decoder: dec}
}

type voiceForm struct {
	CallSid   string `schema:"CallSid"`
	From      string `schema:"From"`
	To        string `schema:"To"`
	Direction string `schema:"Direction"`
}

type statusForm struct {
	CallSid      string `schema:"CallSid"`
	CallStatus   string `schema:"CallStatus"`
	CallDuration int    `schema:"CallDuration"`
}

type recordingForm struct {
	CallSid           string `schema:"CallSid"`
	RecordingSid      string `schema:"RecordingSid"`
	RecordingURL      string `schema:"RecordingUrl"`
	RecordingStatus   string `schema:"RecordingStatus"`
	RecordingDuration int    `schema:"RecordingDuration"`
}

// Voice answers an incoming (or dialled) call. Calls for businesses whose
// subscription does not allow them are sent to voicemail.
func (h *Webhooks) Voice(w http.ResponseWriter, r *http.Request) {
	var form voiceForm
	if !h.decode(w, r, "voice", &form) {
		return
	}
	ctx := r.Context()
	dir := store.DirectionInbound
	number := form.To
	if strings.HasPrefix(form.Direction, "outbound") {
		dir = store.DirectionOutbound
		number = form.From
	}
	biz, err := h.deps.Businesses.FindBusinessByPhone(ctx, number)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.log.Error("twilio_business_lookup_failed", "error", err)
		}
		h.log.Warn("twilio_unknown_number", "number", redact.Phone(number), "call_sid", form.CallSid)
		h.writeTwiML(w, &twiml.VoiceSay{Message: unknownNumberSpeak}, &twiml.VoiceHangup{})
		return
	}

	if _, err := h.deps.Gate.CheckCallAllowed(ctx, biz.ID); err != nil {
		if !errorsx.HasReason(err, errorsx.ReasonSubscriptionInvalid) && !errorsx.HasReason(err, errorsx.ReasonUsageLimit) {
			h.log.Error("twilio_gate_failed", "business_id", biz.ID, "call_sid", form.CallSid, "error", err)
			h.writeTwiML(w, &twiml.VoiceSay{Message: unavailableSpeak}, &twiml.VoiceHangup{})
			return
		}
		h.block(w, r, biz, form)
		return
	}

	call, err := h.deps.Calls.StartPhoneCall(ctx, biz.ID, dir, form.CallSid, form.From, form.To)
	if err != nil {
		h.log.Error("twilio_call_record_failed", "business_id", biz.ID, "error", err)
		h.writeTwiML(w, &twiml.VoiceSay{Message: unavailableSpeak}, &twiml.VoiceHangup{})
		return
	}
	doc, err := h.deps.Answerer.AnswerPhoneCall(ctx, biz.ID, call.ID, form.From, form.To)
	if err != nil {
		h.log.Error("twilio_agent_connect_failed", "business_id", biz.ID, "call_id", call.ID,
			"reason", errorsx.Reason(err), "error", err)
		h.writeTwiML(w, &twiml.VoiceSay{Message: unavailableSpeak}, &twiml.VoiceHangup{})
		return
	}
	h.log.Info("twilio_call_connected", "business_id", biz.ID, "call_id", call.ID, "from", redact.Phone(form.From))
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

func (h *Webhooks) block(w http.ResponseWriter, r *http.Request, biz *store.Business, form voiceForm) {
	if _, err := h.deps.Calls.StartBlocked(r.Context(), biz.ID, form.CallSid, form.From, form.To); err != nil {
		h.log.Error("twilio_call_record_failed", "business_id", biz.ID, "error", err)
	}
	vm := h.opts.Voicemail
	if !vm.Enabled || h.deps.Voicemail == nil {
		h.writeTwiML(w, &twiml.VoiceSay{Message: firstNonEmpty(vm.BlockedPrompt, unavailableSpeak)}, &twiml.VoiceHangup{})
		return
	}
	h.writeTwiML(w,
		&twiml.VoiceSay{Message: firstNonEmpty(vm.Prompt, "Please leave a message after the tone.")},
		&twiml.VoiceRecord{
			Action:                        h.absoluteURL(HangupPath),
			MaxLength:                     strconv.Itoa(vm.MaxLengthSecs),
			PlayBeep:                      "true",
			Trim:                          "trim-silence",
			RecordingStatusCallback:       h.absoluteURL(RecordingPath),
			RecordingStatusCallbackMethod: http.MethodPost,
		},
		&twiml.VoiceHangup{},
	)
}

// Hangup ends a call once the voicemail recording stops.
func (h *Webhooks) Hangup(w http.ResponseWriter, r *http.Request) {
	if !h.verify(w, r, "hangup") {
		return
	}
	h.writeTwiML(w, &twiml.VoiceHangup{})
}

// Status applies call progress callbacks.
func (h *Webhooks) Status(w http.ResponseWriter, r *http.Request) {
	var form statusForm
	if !h.decode(w, r, "status", &form) {
		return
	}
	if form.CallSid == "" || form.CallStatus == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_, err := h.deps.Calls.ApplyTwilioStatus(r.Context(), form.CallSid, form.CallStatus, form.CallDuration)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		h.log.Debug("twilio_status_unknown_call", "call_sid", form.CallSid)
	case errorsx.HasReason(err, errorsx.ReasonValidation):
		h.log.Warn("twilio_status_unmapped", "call_sid", form.CallSid, "status", form.CallStatus)
	default:
		h.log.Error("twilio_status_failed", "call_sid", form.CallSid, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Recording accepts the voicemail recording callback. Processing runs in the
// background because download and transcription outlast Twilio's timeout.
func (h *Webhooks) Recording(w http.ResponseWriter, r *http.Request) {
	var form recordingForm
	if !h.decode(w, r, "recording", &form) {
		return
	}
	if form.RecordingStatus != "" && form.RecordingStatus != "completed" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h.deps.Voicemail == nil || form.CallSid == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rec := calls.Recording{
		CallSID:      form.CallSid,
		RecordingSID: form.RecordingSid,
		URL:          form.RecordingURL,
		DurationSecs: form.RecordingDuration,
	}
	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, voicemailTimeout)
		defer cancel()
		if _, err := h.deps.Voicemail.Process(ctx, rec); err != nil {
			h.log.Error("voicemail_failed", "call_sid", rec.CallSID, "recording_sid", rec.RecordingSID,
				"reason", errorsx.Reason(err), "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// Wait blocks until background voicemail jobs have finished.
func (h *Webhooks) Wait() {
	h.wg.Wait()
}

func (h *Webhooks) decode(w http.ResponseWriter, r *http.Request, hook string, dst any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if !h.verify(w, r, hook) {
		return false
	}
	if err := h.decoder.Decode(dst, r.PostForm); err != nil {
		h.log.Warn("twilio_form_invalid", "hook", hook, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Webhooks) verify(w http.ResponseWriter, r *http.Request, hook string) bool {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if !h.opts.ValidateSignatures {
		return true
	}
	if !h.validSignature(r) {
		h.log.Warn("twilio_invalid_signature", "hook", hook,
			"reason_code", string(errorsx.ReasonWebhookInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

func (h *Webhooks) validSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || h.opts.AuthToken == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(h.opts.AuthToken)
	return validator.Validate(h.requestURL(r), params, signature)
}

func (h *Webhooks) requestURL(r *http.Request) string {
	if h.opts.PublicURL != "" {
		return strings.TrimRight(h.opts.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (h *Webhooks) absoluteURL(path string) string {
	return strings.TrimRight(h.opts.PublicURL, "/") + path
}

func (h *Webhooks) writeTwiML(w http.ResponseWriter, verbs ...twiml.Element) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		h.log.Error("twiml_render_failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
