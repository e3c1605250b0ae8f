package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// GenerateVideo submits a Veo long-running video generation operation
// (predictLongRunning). The returned job ID is the operation name, used to
// poll via PollVideoJob.
func (g *Gemini) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoJob, error) {
	body, err := json.Marshal(map[string]any{
		"instances":  []map[string]any{{"prompt": req.Prompt}},
		"parameters": map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:predictLongRunning", req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var wire struct {
		Name string `json:"name"`
	}
	if err := g.client.Do(httpReq, func(r *http.Response) error {
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

	return &VideoJob{ID: wire.Name}, nil
}

func (g *Gemini) PollVideoJob(ctx context.Context, job VideoJob) (*VideoJobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1beta/"+job.ID, nil)
	if err != nil {
		return nil, err
	}

	var wire struct {
		Done  bool `json:"done"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}
	if err := g.client.Do(httpReq, func(r *http.Response) error {
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

	status := &VideoJobStatus{Done: wire.Done}
	if wire.Error != nil {
		status.Error = wire.Error.Message
	}

	return status, nil
}

func (g *Gemini) GetVideoContent(ctx context.Context, job VideoJob) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "/v1beta/"+job.ID+":download", nil)
	if err != nil {
		return nil, err
	}

	var content []byte
	if err := g.client.Do(httpReq, func(r *http.Response) error {
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
