package uploadthing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
)

func TestUploadPresignedForm(t *testing.T) {
	var srv *httptest.Server
	var uploaded []byte
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v6/uploadFiles":
			if r.Header.Get("x-uploadthing-api-key") != "ut-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"data":[{"key":"abc","fileUrl":"https://utfs.io/f/abc","url":"` + srv.URL +
				`/bucket","fields":{"policy":"p"}}]}`))
		case "/bucket":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.FormValue("policy") != "p" {
				t.Errorf("missing presigned field")
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				return
			}
			uploaded, _ = io.ReadAll(f)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(config.UploadThingSettings{APIKey: "ut-key", BaseURL: srv.URL}, srv.Client())
	url, err := c.Upload(context.Background(), "voicemail.wav", "audio/wav", []byte("RIFF...."))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://utfs.io/f/abc" || string(uploaded) != "RIFF...." {
		t.Fatalf("unexpected upload result %q %q", url, uploaded)
	}

	bad := NewClient(config.UploadThingSettings{APIKey: "wrong", BaseURL: srv.URL}, srv.Client())
	if _, err := bad.Upload(context.Background(), "x.wav", "audio/wav", []byte("x")); !errorsx.HasReason(err, errorsx.ReasonStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
