package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// GenerateImage calls the OpenAI-compatible images/generations endpoint.
// Self-hosted/compatible vendors that don't serve it get a provider error
// from the upstream (surfaced as UpstreamPermanent), not a local
// "unsupported" — the capability itself is part of the OpenAI wire shape.
func (o *OpenAI) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	body, err := json.Marshal(map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"size":   req.Size,
		"n":      req.N,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var wire struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
			URL     string `json:"url"`
		} `json:"data"`
	}
	if err := o.client.Do(httpReq, func(r *http.Response) error {
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

	resp := &ImageResponse{}
	for _, d := range wire.Data {
		resp.Images = append(resp.Images, ImageResult{B64JSON: d.B64JSON, URL: d.URL})
	}
	return resp, nil
}

// TextToSpeech calls the OpenAI-compatible audio/speech endpoint, returning
// the raw audio bytes.
func (o *OpenAI) TextToSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"model":           req.Model,
		"input":           req.Text,
		"voice":           req.Voice,
		"response_format": req.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var audio []byte
	if err := o.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("provider error %d %s", r.StatusCode, string(data))
		}
		audio = data
		return nil
	}); err != nil {
		return nil, err
	}

	return audio, nil
}

// TranscribeAudio calls the OpenAI-compatible audio/transcriptions endpoint
// (multipart upload).
func (o *OpenAI) TranscribeAudio(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "audio")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return nil, fmt.Errorf("copy audio body: %w", err)
	}
	if err := mw.WriteField("model", req.Model); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/audio/transcriptions", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var wire struct {
		Text string `json:"text"`
	}
	if err := o.client.Do(httpReq, func(r *http.Response) error {
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
