package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// GenerateVideo submits a long-running video generation job (OpenAI Sora,
// Azure Sora — both OpenAI wire-compatible per spec.md §4.1) and returns
// immediately with the job ID; the caller polls PollVideoJob.
func (o *OpenAI) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoJob, error) {
	body, err := json.Marshal(map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/videos/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var wire struct {
		ID string `json:"id"`
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

	return &VideoJob{ID: wire.ID}, nil
}

func (o *OpenAI) PollVideoJob(ctx context.Context, job VideoJob) (*VideoJobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "/videos/"+job.ID, nil)
	if err != nil {
		return nil, err
	}

	var wire struct {
		Status string `json:"status"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
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

	status := &VideoJobStatus{Done: wire.Status == "succeeded" || wire.Status == "failed"}
	if wire.Error != nil {
		status.Error = wire.Error.Message
	}

	return status, nil
}

func (o *OpenAI) GetVideoContent(ctx context.Context, job VideoJob) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "/videos/"+job.ID+"/content", nil)
	if err != nil {
		return nil, err
	}

	var content []byte
	if err := o.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 300 {
			return fmt.Errorf("provider error %d %s", r.StatusCode, string(data))
		}
		content = data
		return nil
	}); err != nil {
		return nil, err
	}

	return content, nil
}
