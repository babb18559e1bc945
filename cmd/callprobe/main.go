// callprobe replays synthetic mic audio against a running moecall server
// and reports first-audio latency and interruption flush behavior.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shinnpuru/moecall/internal/audio"
	"github.com/shinnpuru/moecall/internal/persona"
	"github.com/shinnpuru/moecall/internal/protocol"
	"github.com/shinnpuru/moecall/internal/reliability"
)

type options struct {
	baseURL       string
	personaName   string
	scenario      string
	turns         int
	chunkMS       int
	realtime      float64
	clipWAV       string
	saveReplyWAV  string
	clipLen       time.Duration
	startDelay    time.Duration
	replyTimeout  time.Duration
	testInterrupt bool
	verbose       bool
}

type createCallRequest struct {
	Persona persona.Persona `json:"persona"`
}

type createCallResponse struct {
	CallID string `json:"call_id"`
}

type wsEnvelope struct {
	Type        string  `json:"type"`
	Status      string  `json:"status,omitempty"`
	Code        string  `json:"code,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	Cancelled   int     `json:"cancelled,omitempty"`
	Amplitude   float64 `json:"amplitude,omitempty"`
	PCM16Base64 string  `json:"pcm16_base64,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`
}

// replyRecorder accumulates decoded model audio so a probe run can be
// dumped to a WAV file and listened to afterwards.
type replyRecorder struct {
	mu         sync.Mutex
	pcm        []byte
	sampleRate int
}

func (r *replyRecorder) add(pcm16Base64 string, sampleRate int) {
	if r == nil || pcm16Base64 == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(pcm16Base64)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sampleRate == 0 && sampleRate > 0 {
		r.sampleRate = sampleRate
	}
	r.pcm = append(r.pcm, pcm...)
}

func (r *replyRecorder) save(path string) error {
	r.mu.Lock()
	pcm := r.pcm
	sampleRate := r.sampleRate
	r.mu.Unlock()
	if len(pcm) == 0 {
		return fmt.Errorf("no model audio received")
	}
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	return audio.WriteWAVFile(path, pcm, sampleRate)
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var startDelayMS int
	var replyTimeoutMS int
	var clipLenMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "moecall base URL")
	flag.StringVar(&cfg.personaName, "persona-name", "Probe", "persona name for the synthetic call")
	flag.StringVar(&cfg.scenario, "scenario", "latency probe", "persona scenario for the synthetic call")
	flag.IntVar(&cfg.turns, "turns", 5, "number of utterances to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.StringVar(&cfg.clipWAV, "clip-wav", "", "optional 16-bit PCM WAV file to replay instead of a generated tone")
	flag.StringVar(&cfg.saveReplyWAV, "save-reply-wav", "", "optional path to dump all received model audio as a WAV file")
	flag.IntVar(&clipLenMS, "clip-ms", 1200, "generated tone length in milliseconds")
	flag.IntVar(&startDelayMS, "start-delay-ms", 300, "delay before the first utterance in milliseconds")
	flag.IntVar(&replyTimeoutMS, "reply-timeout-ms", 15000, "timeout waiting for the first model audio per turn")
	flag.BoolVar(&cfg.testInterrupt, "test-interrupt", true, "send an interrupt mid-reply and check the flush")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if clipLenMS < 100 {
		clipLenMS = 100
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if replyTimeoutMS < 1000 {
		replyTimeoutMS = 1000
	}
	cfg.clipLen = time.Duration(clipLenMS) * time.Millisecond
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.replyTimeout = time.Duration(replyTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	pcm, sampleRate, err := loadClip(cfg)
	if err != nil {
		return fmt.Errorf("prepare clip: %w", err)
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	callID, err := createCall(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	defer func() {
		_ = endCall(context.Background(), httpClient, cfg.baseURL, callID)
	}()

	if cfg.verbose {
		fmt.Printf("callprobe: call=%s turns=%d clip=%dms@%dHz chunk_ms=%d realtime=%.2f\n",
			callID, cfg.turns, audio.Duration(pcm, sampleRate).Milliseconds(), sampleRate, cfg.chunkMS, cfg.realtime)
	}

	wsURL, err := wsURLForCall(cfg.baseURL, callID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var recorder *replyRecorder
	if cfg.saveReplyWAV != "" {
		recorder = &replyRecorder{}
	}
	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, recorder)

	if err := awaitStatus(events, readErrCh, "connected", cfg.replyTimeout); err != nil {
		return fmt.Errorf("await connected: %w", err)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var latencies []time.Duration
	seq := 0
	for i := 0; i < cfg.turns; i++ {
		sentAt := time.Now()
		if err := sendClip(conn, callID, pcm, sampleRate, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		latency, err := awaitFirstAudio(events, readErrCh, sentAt, cfg.replyTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await model audio: %w", i+1, err)
		}
		latencies = append(latencies, latency)
		if cfg.verbose {
			fmt.Printf("callprobe: turn %d/%d first_audio=%s\n", i+1, cfg.turns, latency.Round(time.Millisecond))
		}

		if cfg.testInterrupt {
			if err := sendControl(conn, callID, protocol.ActionInterrupt); err != nil {
				return fmt.Errorf("turn %d send interrupt: %w", i+1, err)
			}
			if err := awaitCleared(events, readErrCh, cfg.replyTimeout); err != nil {
				return fmt.Errorf("turn %d await playback_cleared: %w", i+1, err)
			}
		}
	}

	_ = sendControl(conn, callID, protocol.ActionStop)

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	fmt.Printf("callprobe: %d turns, avg first_audio=%s\n",
		len(latencies), (total / time.Duration(len(latencies))).Round(time.Millisecond))

	if recorder != nil {
		if err := recorder.save(cfg.saveReplyWAV); err != nil {
			return fmt.Errorf("save reply wav: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("callprobe: model audio written to %s\n", cfg.saveReplyWAV)
		}
	}
	return nil
}

func loadClip(cfg options) ([]byte, int, error) {
	if strings.TrimSpace(cfg.clipWAV) != "" {
		data, err := os.ReadFile(cfg.clipWAV)
		if err != nil {
			return nil, 0, err
		}
		pcm, sampleRate, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", cfg.clipWAV, err)
		}
		return pcm, sampleRate, nil
	}
	// A plain tone is enough to trip server-side activity detection in
	// mock mode and measure the relay path.
	pcm := audio.SineTone(220, audio.CaptureSampleRate, cfg.clipLen, 0.5)
	return pcm, audio.CaptureSampleRate, nil
}

const (
	createAttempts    = 4
	createBackoffBase = 250 * time.Millisecond
	createBackoffCap  = 2 * time.Second
)

// createCall retries transient failures: a probe pointed at a server that
// is still warming up should not abort on the first 503.
func createCall(ctx context.Context, client *http.Client, cfg options) (string, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, createBackoffBase, createBackoffCap)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		callID, status, err := postCreateCall(ctx, client, cfg)
		if err == nil {
			return callID, nil
		}
		lastErr = err
		if status != 0 && !reliability.IsRetryableHTTPStatus(status) {
			return "", err
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", createAttempts, lastErr)
}

func postCreateCall(ctx context.Context, client *http.Client, cfg options) (string, int, error) {
	payload, err := json.Marshal(createCallRequest{
		Persona: persona.Persona{Name: cfg.personaName, Scenario: cfg.scenario},
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/call", bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", res.StatusCode, err
	}
	if res.StatusCode != http.StatusCreated {
		return "", res.StatusCode, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", res.StatusCode, err
	}
	if strings.TrimSpace(out.CallID) == "" {
		return "", res.StatusCode, fmt.Errorf("missing call_id in response")
	}
	return out.CallID, res.StatusCode, nil
}

func endCall(ctx context.Context, client *http.Client, baseURL, callID string) error {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/call/"+url.PathEscape(callID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForCall(baseURL, callID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/call/ws"
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, recorder *replyRecorder) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeModelAudioChunk) {
			recorder.add(env.PCM16Base64, env.SampleRate)
		}
		select {
		case events <- env:
		default:
			// Probe fell behind; drop rather than stall the socket.
		}
	}
}

func awaitStatus(events <-chan wsEnvelope, readErrCh <-chan error, status string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if env.Type == string(protocol.TypeStatusEvent) && env.Status == status {
				return nil
			}
			if env.Type == string(protocol.TypeErrorEvent) {
				return fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func awaitFirstAudio(events <-chan wsEnvelope, readErrCh <-chan error, sentAt time.Time, timeout time.Duration) (time.Duration, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeModelAudioChunk):
				return time.Since(sentAt), nil
			case string(protocol.TypeErrorEvent):
				return 0, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
			}
		case err := <-readErrCh:
			return 0, err
		case <-timer.C:
			return 0, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func awaitCleared(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if env.Type == string(protocol.TypePlaybackCleared) {
				return nil
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func sendClip(conn *websocket.Conn, callID string, pcm []byte, sampleRate, chunkMS int, realtime float64, seq *int) error {
	splitter := audio.NewFrameSplitter(sampleRate, chunkMS)
	frames := splitter.Push(pcm)
	if tail := splitter.Flush(); len(tail) > 0 {
		frames = append(frames, tail)
	}
	if len(frames) == 0 {
		return fmt.Errorf("clip shorter than one chunk")
	}

	for _, frame := range frames {
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			CallID:      callID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(frame),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}

		pace := time.Duration(float64(audio.Duration(frame, sampleRate)) / realtime)
		if pace <= 0 {
			pace = 10 * time.Millisecond
		}
		time.Sleep(pace)
	}
	return nil
}

func sendControl(conn *websocket.Conn, callID, action string) error {
	msg := protocol.ClientControl{
		Type:   protocol.TypeClientControl,
		CallID: callID,
		Action: action,
		TSMs:   time.Now().UnixMilli(),
	}
	return conn.WriteJSON(msg)
}
