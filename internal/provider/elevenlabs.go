package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/worldline-go/klient"
)

const ElevenLabsDefaultBaseURL = "https://api.elevenlabs.io"

// ElevenLabs implements text_to_speech and speech_to_speech (spec.md §4.1),
// authenticated with the xi-api-key header rather than Bearer/api-key.
type ElevenLabs struct {
	UnsupportedAdapter

	client *klient.Client
}

func NewElevenLabs(apiKey, baseURL string) (*ElevenLabs, error) {
	if baseURL == "" {
		baseURL = ElevenLabsDefaultBaseURL
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{"xi-api-key": []string{apiKey}}),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build elevenlabs client: %w", err)
	}

	return &ElevenLabs{UnsupportedAdapter: UnsupportedAdapter{ProviderName: "elevenlabs"}, client: client}, nil
}

func (e *ElevenLabs) TextToSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	body := map[string]any{
		"text":     req.Text,
		"model_id": req.Model,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/text-to-speech/%s", req.Voice)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var audio []byte
	if err := e.client.Do(httpReq, func(r *http.Response) error {
		out, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("provider error %d %s", r.StatusCode, string(out))
		}
		audio = out
		return nil
	}); err != nil {
		return nil, err
	}

	return audio, nil
}

func (e *ElevenLabs) SpeechToSpeech(ctx context.Context, req SpeechRequest, audio io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("audio", "input")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, fmt.Errorf("copy audio body: %w", err)
	}
	if err := mw.WriteField("model_id", req.Model); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/speech-to-speech/%s", req.Voice)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out []byte
	if err := e.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("provider error %d %s", r.StatusCode, string(data))
		}
		out = data
		return nil
	}); err != nil {
		return nil, err
	}

	return out, nil
}

func (e *ElevenLabs) TranscribeAudio(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "audio")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return nil, fmt.Errorf("copy audio body: %w", err)
	}
	if err := mw.WriteField("model_id", req.Model); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/speech-to-text", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var wire struct {
		Text string `json:"text"`
	}
	if err := e.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("provider error %d %s", r.StatusCode, string(data))
		}
		return json.Unmarshal(data, &wire)
	}); err != nil {
		return nil, err
	}

	return &TranscriptionResponse{Text: wire.Text}, nil
}
