package parley

import (
	"context"
)

// ============================================================================
// Speech Pipeline
// ============================================================================

// Transcriber converts captured audio into source-language text.
type Transcriber interface {
	Transcribe(ctx context.Context, req *TranscribeRequest) (*Transcription, error)
}

// Translator converts text between languages.
type Translator interface {
	Translate(ctx context.Context, req *TranslateRequest) (*Translation, error)
}

// Synthesizer renders text as speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SpeechAudio, error)
}

// TranscribeRequest is the payload for speech transcription. Audio is
// base64-encoded on the wire.
type TranscribeRequest struct {
	Audio    []byte `json:"audio"`
	Format   string `json:"format,omitempty"`
	Language string `json:"language,omitempty"`

	// ContextHint biases recognition toward the conversation's vocabulary.
	ContextHint string `json:"contextHint,omitempty"`
}

// Transcription is the text recovered from audio.
type Transcription struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranslateRequest is the payload for text translation. Mode selects the
// register ("casual", "formal"); Context carries recent conversation lines
// so short replies translate unambiguously.
type TranslateRequest struct {
	Text           string   `json:"text"`
	SourceLanguage string   `json:"sourceLanguage"`
	TargetLanguage string   `json:"targetLanguage"`
	Mode           string   `json:"mode,omitempty"`
	Context        []string `json:"context,omitempty"`
}

// Translation is the result of translating one utterance.
type Translation struct {
	SourceText     string  `json:"sourceText"`
	TranslatedText string  `json:"translatedText"`
	SourceLanguage string  `json:"sourceLanguage"`
	TargetLanguage string  `json:"targetLanguage"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// SynthesizeRequest is the payload for speech synthesis.
type SynthesizeRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Voice    string  `json:"voice,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// SpeechAudio is synthesized audio, base64-encoded on the wire.
type SpeechAudio struct {
	Audio      []byte `json:"audio"`
	MimeType   string `json:"mimeType"`
	DurationMS int    `json:"durationMs,omitempty"`
}

// SpeechClient calls the hosted speech pipeline. It implements
// Transcriber, Translator and Synthesizer so sessions can swap in other
// providers.
type SpeechClient struct {
	client *Client
}

// Transcribe converts audio to text.
func (s *SpeechClient) Transcribe(ctx context.Context, req *TranscribeRequest) (*Transcription, error) {
	result, err := s.client.do(ctx, "POST", "/api/speech/transcribe", req, nil)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	out := &Transcription{}
	if err := result.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Translate converts text from one language to another.
func (s *SpeechClient) Translate(ctx context.Context, req *TranslateRequest) (*Translation, error) {
	result, err := s.client.do(ctx, "POST", "/api/speech/translate", req, nil)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	out := &Translation{}
	if err := result.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Synthesize renders text as audio.
func (s *SpeechClient) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SpeechAudio, error) {
	result, err := s.client.do(ctx, "POST", "/api/speech/synthesize", req, nil)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	out := &SpeechAudio{}
	if err := result.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}
