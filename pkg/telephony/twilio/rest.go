package twilio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/resilience"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type numberUpdater interface {
	ListIncomingPhoneNumber(params *api.ListIncomingPhoneNumberParams) ([]api.ApiV2010IncomingPhoneNumber, error)
	UpdateIncomingPhoneNumber(sid string, params *api.UpdateIncomingPhoneNumberParams) (*api.ApiV2010IncomingPhoneNumber, error)
}

func newRestAPI(s config.TwilioSettings) *api.ApiService {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: s.AccountSID,
		Password: s.AuthToken,
	})
	return rest.Api
}

// Dialer places outbound calls that are answered by the voice webhook.
type Dialer struct {
	settings  config.TwilioSettings
	publicURL string
	client    callCreator
}

func NewDialer(s config.TwilioSettings, publicURL string) *Dialer {
	return &Dialer{settings: s, publicURL: strings.TrimRight(publicURL, "/")}
}

// Dial calls to from the business number from and returns the call sid.
func (d *Dialer) Dial(ctx context.Context, to, from string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if to == "" {
		return "", errorsx.New(errorsx.ReasonValidation, "destination number required")
	}
	if from == "" {
		from = d.settings.PhoneNumber
	}
	if from == "" {
		return "", errorsx.New(errorsx.ReasonValidation, "caller number required")
	}
	if d.settings.AccountSID == "" || d.settings.AuthToken == "" {
		return "", errorsx.New(errorsx.ReasonValidation, "missing twilio credentials")
	}
	client := d.client
	if client == nil {
		client = newRestAPI(d.settings)
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(d.publicURL + VoicePath)
	params.SetStatusCallback(d.publicURL + StatusPath)
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create call: %w", err), errorsx.ReasonTelephony)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.New(errorsx.ReasonTelephony, "missing call sid")
	}
	return *resp.Sid, nil
}

// NumberConfigurator points a Twilio number's webhooks at this service.
type NumberConfigurator struct {
	settings  config.TwilioSettings
	publicURL string
	client    numberUpdater
}

func NewNumberConfigurator(s config.TwilioSettings, publicURL string) *NumberConfigurator {
	return &NumberConfigurator{settings: s, publicURL: strings.TrimRight(publicURL, "/")}
}

// Configure sets the voice and status callback URLs of phone. The number
// must already belong to the account.
func (n *NumberConfigurator) Configure(ctx context.Context, phone string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client := n.client
	if client == nil {
		client = newRestAPI(n.settings)
	}
	list := &api.ListIncomingPhoneNumberParams{}
	list.SetPhoneNumber(phone)
	list.SetLimit(1)
	numbers, err := client.ListIncomingPhoneNumber(list)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("look up number: %w", err), errorsx.ReasonTelephony)
	}
	if len(numbers) == 0 || numbers[0].Sid == nil {
		return errorsx.New(errorsx.ReasonNotFound, "phone number %s is not on the account", phone)
	}
	params := &api.UpdateIncomingPhoneNumberParams{}
	params.SetVoiceUrl(n.publicURL + VoicePath)
	params.SetVoiceMethod(http.MethodPost)
	params.SetStatusCallback(n.publicURL + StatusPath)
	params.SetStatusCallbackMethod(http.MethodPost)
	if _, err := client.UpdateIncomingPhoneNumber(*numbers[0].Sid, params); err != nil {
		return errorsx.Wrap(fmt.Errorf("update number: %w", err), errorsx.ReasonTelephony)
	}
	return nil
}

// RecordingFetcher downloads recordings with the account credentials.
type RecordingFetcher struct {
	settings config.TwilioSettings
	http     *http.Client
	retry    resilience.RetryPolicy
}

func NewRecordingFetcher(s config.TwilioSettings, httpClient *http.Client) *RecordingFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &RecordingFetcher{settings: s, http: httpClient, retry: resilience.NewRetryPolicy(2, 500*time.Millisecond)}
}

// FetchRecording downloads the MP3 rendition of a recording. Twilio may
// answer 404 for a short while after the callback, so that is retried.
func (f *RecordingFetcher) FetchRecording(ctx context.Context, url string) ([]byte, string, error) {
	if !strings.HasSuffix(url, ".mp3") && !strings.HasSuffix(url, ".wav") {
		url += ".mp3"
	}
	var (
		data        []byte
		contentType string
	)
	err := f.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(f.settings.AccountSID, f.settings.AuthToken)
		resp, err := f.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("recording download: status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		contentType = resp.Header.Get("Content-Type")
		return err
	})
	if err != nil {
		return nil, "", errorsx.Wrap(err, errorsx.ReasonTelephony)
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return data, contentType, nil
}
