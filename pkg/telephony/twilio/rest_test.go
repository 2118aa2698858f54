package twilio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

var testSettings = config.TwilioSettings{AccountSID: "AC1", AuthToken: "token", PhoneNumber: "+15550001111"}

func TestDialerDial(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := NewDialer(testSettings, "https://ring.example.com/")
	d.client = stub

	sid, err := d.Dial(context.Background(), "+15557654321", "")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last.To == nil || *stub.last.To != "+15557654321" {
		t.Fatalf("expected To param")
	}
	if stub.last.From == nil || *stub.last.From != "+15550001111" {
		t.Fatalf("expected From to default to the account number")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://ring.example.com/twilio/voice" {
		t.Fatalf("unexpected Url %v", stub.last.Url)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://ring.example.com/twilio/status" {
		t.Fatalf("unexpected StatusCallback %v", stub.last.StatusCallback)
	}
}

func TestDialerDialErrors(t *testing.T) {
	d := NewDialer(config.TwilioSettings{AccountSID: "AC1", AuthToken: "token"}, "https://ring.example.com")
	d.client = &stubCreator{err: errors.New("20003 auth")}
	if _, err := d.Dial(context.Background(), "+1", ""); !errorsx.HasReason(err, errorsx.ReasonValidation) {
		t.Fatalf("expected validation error without a from number, got %v", err)
	}
	if _, err := d.Dial(context.Background(), "+1", "+2"); !errorsx.HasReason(err, errorsx.ReasonTelephony) {
		t.Fatalf("expected telephony error, got %v", err)
	}
}

type stubNumbers struct {
	numbers []api.ApiV2010IncomingPhoneNumber
	listed  *api.ListIncomingPhoneNumberParams
	sid     string
	update  *api.UpdateIncomingPhoneNumberParams
}

func (s *stubNumbers) ListIncomingPhoneNumber(params *api.ListIncomingPhoneNumberParams) ([]api.ApiV2010IncomingPhoneNumber, error) {
	s.listed = params
	return s.numbers, nil
}

func (s *stubNumbers) UpdateIncomingPhoneNumber(sid string, params *api.UpdateIncomingPhoneNumberParams) (*api.ApiV2010IncomingPhoneNumber, error) {
	s.sid, s.update = sid, params
	return &api.ApiV2010IncomingPhoneNumber{}, nil
}

func TestNumberConfigurator(t *testing.T) {
	pn := "PN42"
	stub := &stubNumbers{numbers: []api.ApiV2010IncomingPhoneNumber{{Sid: &pn}}}
	n := NewNumberConfigurator(testSettings, "https://ring.example.com")
	n.client = stub

	if err := n.Configure(context.Background(), "+15550001111"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if stub.listed.PhoneNumber == nil || *stub.listed.PhoneNumber != "+15550001111" {
		t.Fatalf("expected lookup by phone number")
	}
	if stub.sid != "PN42" || stub.update.VoiceUrl == nil || *stub.update.VoiceUrl != "https://ring.example.com/twilio/voice" {
		t.Fatalf("unexpected update of %s: %+v", stub.sid, stub.update)
	}

	stub.numbers = nil
	if err := n.Configure(context.Background(), "+15550009999"); !errorsx.HasReason(err, errorsx.ReasonNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordingFetcherUsesBasicAuth(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/rec/RE1.mp3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if attempts == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	f := NewRecordingFetcher(testSettings, srv.Client())
	f.retry.Backoff = 1
	data, ct, err := f.FetchRecording(context.Background(), srv.URL+"/rec/RE1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "ID3" || ct != "audio/mpeg" || attempts != 2 {
		t.Fatalf("unexpected result %q %q after %d attempts", data, ct, attempts)
	}
}
