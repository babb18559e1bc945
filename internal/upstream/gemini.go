package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const (
	defaultModel = "gemini-2.0-flash-live-001"
	defaultVoice = "Aoede"
)

// GeminiProvider opens live audio sessions against the Gemini Live API.
type GeminiProvider struct {
	apiKey string
}

func NewGeminiProvider(apiKey string) (*GeminiProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	return &GeminiProvider{apiKey: apiKey}, nil
}

func (p *GeminiProvider) Connect(ctx context.Context, cfg Config) (Session, <-chan Event, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = defaultVoice
	}
	inRate := cfg.InputSampleRate
	if inRate <= 0 {
		inRate = 16000
	}
	outRate := cfg.OutputSampleRate
	if outRate <= 0 {
		outRate = 24000
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create gemini client: %w", err)
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if instruction := strings.TrimSpace(cfg.SystemInstruction); instruction != "" {
		connectCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instruction}},
		}
	}

	live, err := client.Live.Connect(ctx, model, connectCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open live session: %w", err)
	}

	events := make(chan Event, 64)
	s := &geminiSession{
		live:     live,
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", inRate),
	}
	go receiveLoop(live, events, outRate)
	return s, events, nil
}

type geminiSession struct {
	live     *genai.Session
	mimeType string

	closeOnce sync.Once
	closeErr  error
}

func (s *geminiSession) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: s.mimeType,
			Data:     pcm,
		},
	})
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.live.Close()
	})
	return s.closeErr
}

// receiveLoop maps Gemini server messages onto the upstream event contract.
// It owns the event channel and closes it on exit.
func receiveLoop(live *genai.Session, events chan<- Event, outRate int) {
	defer close(events)
	for {
		msg, err := live.Receive()
		if err != nil {
			// Receive fails with io.EOF-like errors on normal close too;
			// the detail string lets the bridge classify.
			detail := strings.TrimSpace(err.Error())
			if detail == "" || strings.Contains(detail, "EOF") || strings.Contains(detail, "close") {
				events <- Event{Type: EventClosed}
				return
			}
			events <- Event{Type: EventError, Code: "live_receive", Detail: detail, Retryable: true}
			return
		}
		if msg == nil || msg.ServerContent == nil {
			continue
		}

		content := msg.ServerContent
		if content.Interrupted {
			events <- Event{Type: EventInterrupted}
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				pcm := make([]byte, len(part.InlineData.Data))
				copy(pcm, part.InlineData.Data)
				events <- Event{Type: EventAudio, PCM: pcm, SampleRate: outRate}
			}
		}
		if content.TurnComplete {
			events <- Event{Type: EventTurnComplete}
		}
	}
}
