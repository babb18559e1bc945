package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"client_audio_chunk","call_id":"c1","seq":1,"pcm16_base64":"AQID","sample_rate":16000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(ClientAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioChunk", msg)
	}
	if audio.CallID != "c1" || audio.SampleRate != 16000 || audio.Seq != 1 {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	for _, action := range []string{ActionInterrupt, ActionRetry, ActionStop} {
		raw := []byte(`{"type":"client_control","call_id":"c1","action":"` + action + `","ts_ms":456}`)
		msg, err := ParseClientMessage(raw)
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", action, err)
		}
		control, ok := msg.(ClientControl)
		if !ok {
			t.Fatalf("message type = %T, want ClientControl", msg)
		}
		if control.Action != action || control.TSMs != 456 {
			t.Fatalf("unexpected client control: %+v", control)
		}
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsInvalidPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"bad json", `{`},
		{"audio missing call id", `{"type":"client_audio_chunk","pcm16_base64":"AQID","sample_rate":16000}`},
		{"audio missing pcm", `{"type":"client_audio_chunk","call_id":"c1","sample_rate":16000}`},
		{"audio bad sample rate", `{"type":"client_audio_chunk","call_id":"c1","pcm16_base64":"AQID","sample_rate":0}`},
		{"control missing call id", `{"type":"client_control","action":"interrupt"}`},
		{"control unknown action", `{"type":"client_control","call_id":"c1","action":"dance"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("ParseClientMessage() should fail")
			}
		})
	}
}
