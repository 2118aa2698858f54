package calls

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/ringdesk/pkg/providers/deepgram"
	"github.com/harunnryd/ringdesk/pkg/redact"
	"github.com/harunnryd/ringdesk/pkg/store"
)

// RecordingFetcher downloads a telephony recording.
type RecordingFetcher interface {
	FetchRecording(ctx context.Context, url string) (data []byte, contentType string, err error)
}

type Uploader interface {
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
}

type Transcriber interface {
	TranscribeURL(ctx context.Context, url string) (deepgram.Transcript, error)
}

// Recording is a finished voicemail reported by the telephony provider.
type Recording struct {
	CallSID      string
	RecordingSID string
	URL          string
	DurationSecs int
}

// Voicemail stores voicemail audio, transcribes it and hands it to the
// summary queue. Fetcher, uploader and transcriber are optional; without
// them the telephony URL is kept and no transcript is produced.
type Voicemail struct {
	svc         *Service
	fetcher     RecordingFetcher
	uploader    Uploader
	transcriber Transcriber
}

func NewVoicemail(svc *Service, fetcher RecordingFetcher, uploader Uploader, transcriber Transcriber) *Voicemail {
	return &Voicemail{svc: svc, fetcher: fetcher, uploader: uploader, transcriber: transcriber}
}

func (v *Voicemail) Process(ctx context.Context, rec Recording) (*store.Call, error) {
	s := v.svc
	call, err := s.store.FindCallBySID(ctx, rec.CallSID)
	if err != nil {
		return nil, fmt.Errorf("find call %s: %w", rec.CallSID, err)
	}

	audioURL := rec.URL
	if v.fetcher != nil && v.uploader != nil && rec.URL != "" {
		data, contentType, err := v.fetcher.FetchRecording(ctx, rec.URL)
		if err != nil {
			return nil, fmt.Errorf("download recording: %w", err)
		}
		name := "voicemail-" + call.ID + extensionFor(contentType)
		audioURL, err = v.uploader.Upload(ctx, name, contentType, data)
		if err != nil {
			return nil, fmt.Errorf("upload recording: %w", err)
		}
	}

	logs := []store.CallLog{{Role: store.LogSystem, Message: "Voicemail recorded"}}
	if v.transcriber != nil && audioURL != "" {
		tr, err := v.transcriber.TranscribeURL(ctx, audioURL)
		if err != nil {
			// The recording is kept even if transcription fails.
			s.log.Warn("voicemail_transcription_failed", "call_id", call.ID, "error", err)
		} else {
			for _, seg := range tr.Segments {
				logs = append(logs, store.CallLog{Role: store.LogCaller, Message: seg.Text, OffsetSecs: seg.StartSecs})
			}
			if len(tr.Segments) == 0 && strings.TrimSpace(tr.Text) != "" {
				logs = append(logs, store.CallLog{Role: store.LogCaller, Message: tr.Text})
			}
			if rec.DurationSecs == 0 {
				rec.DurationSecs = tr.DurationSecs
			}
		}
	}

	call.Status = store.CallVoicemail
	call.RecordingURL = audioURL
	if rec.DurationSecs > call.DurationSecs {
		call.DurationSecs = rec.DurationSecs
	}
	if call.EndedAt == nil {
		now := s.now().UTC()
		call.EndedAt = &now
	}
	if err := s.store.UpdateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	if err := s.store.ReplaceCallLogs(ctx, call.ID, logs); err != nil {
		return nil, fmt.Errorf("store voicemail logs: %w", err)
	}
	s.log.Info("voicemail_stored", "call_id", call.ID, "from", redact.Phone(call.FromNumber),
		"segments", len(logs)-1)
	if len(logs) > 1 && s.queue != nil {
		s.queue.Enqueue(call.ID)
	}
	s.publish(call)
	return call, nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "mpeg"), strings.Contains(contentType, "mp3"):
		return ".mp3"
	case strings.Contains(contentType, "wav"):
		return ".wav"
	default:
		return ""
	}
}
