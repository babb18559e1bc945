package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shinnpuru/moecall/internal/audio"
)

func TestWSURLForCall(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
		wantErr bool
	}{
		{
			name:    "http base",
			baseURL: "http://127.0.0.1:8080",
			want:    "ws://127.0.0.1:8080/v1/call/ws?call_id=abc",
		},
		{
			name:    "https base with path",
			baseURL: "https://calls.example.com/gateway/",
			want:    "wss://calls.example.com/gateway/v1/call/ws?call_id=abc",
		},
		{
			name:    "unsupported scheme",
			baseURL: "ftp://example.com",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wsURLForCall(tt.baseURL, "abc")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.baseURL)
				}
				return
			}
			if err != nil {
				t.Fatalf("wsURLForCall() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("url = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadClipGeneratesTone(t *testing.T) {
	pcm, sampleRate, err := loadClip(options{clipLen: 500_000_000}) // 500 ms
	if err != nil {
		t.Fatalf("loadClip() error = %v", err)
	}
	if sampleRate != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", sampleRate)
	}
	if len(pcm) != 16000 { // 500 ms of 16 kHz PCM16 mono
		t.Fatalf("len(pcm) = %d, want 16000", len(pcm))
	}
}

func TestLoadClipMissingFile(t *testing.T) {
	_, _, err := loadClip(options{clipWAV: "does-not-exist.wav"})
	if err == nil || !strings.Contains(err.Error(), "does-not-exist.wav") {
		t.Fatalf("expected file error, got %v", err)
	}
}

func TestCreateCallRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call_id":"call-123"}`))
	}))
	defer ts.Close()

	cfg := options{baseURL: ts.URL, personaName: "Probe"}
	callID, err := createCall(context.Background(), ts.Client(), cfg)
	if err != nil {
		t.Fatalf("createCall() error = %v", err)
	}
	if callID != "call-123" {
		t.Fatalf("call id = %q, want call-123", callID)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestCreateCallStopsOnNonRetryableStatus(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_persona"}`))
	}))
	defer ts.Close()

	cfg := options{baseURL: ts.URL, personaName: "Probe"}
	if _, err := createCall(context.Background(), ts.Client(), cfg); err == nil {
		t.Fatalf("expected error for HTTP 400")
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on a client error)", got)
	}
}

func TestReplyRecorderSavesWAV(t *testing.T) {
	rec := &replyRecorder{}
	tone := audio.SineTone(330, audio.PlaybackSampleRate, 100*time.Millisecond, 0.4)
	rec.add(base64.StdEncoding.EncodeToString(tone[:len(tone)/2]), audio.PlaybackSampleRate)
	rec.add(base64.StdEncoding.EncodeToString(tone[len(tone)/2:]), audio.PlaybackSampleRate)

	path := filepath.Join(t.TempDir(), "reply.wav")
	if err := rec.save(path); err != nil {
		t.Fatalf("save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	pcm, sampleRate, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if sampleRate != audio.PlaybackSampleRate {
		t.Fatalf("sampleRate = %d, want %d", sampleRate, audio.PlaybackSampleRate)
	}
	if len(pcm) != len(tone) {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), len(tone))
	}
}

func TestReplyRecorderEmptySaveFails(t *testing.T) {
	rec := &replyRecorder{}
	if err := rec.save(filepath.Join(t.TempDir(), "empty.wav")); err == nil {
		t.Fatalf("expected error saving an empty recording")
	}
}
