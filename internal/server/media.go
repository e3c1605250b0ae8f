package server

import (
	"encoding/json"
	"mime/multipart"
	"net/http"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/gatewayerr"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
)

// modelAndAdapter resolves modelID to its domain.Model row plus a ready
// provider.Adapter, the common first step of every media handler.
func (s *Server) modelAndAdapter(r *http.Request, modelID string) (*domain.Model, provider.Adapter, error) {
	model, err := s.store.GetModelByID(r.Context(), modelID)
	if err != nil {
		return nil, nil, gatewayerr.Wrap(gatewayerr.ValidationFailure, "unknown model", err)
	}

	adapter, err := s.exec.ResolveAdapter(r.Context(), *model)
	if err != nil {
		return nil, nil, err
	}

	return model, adapter, nil
}

type imageGenerationsRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

type imageDataEntry struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type imageGenerationsResponse struct {
	Created int64            `json:"created"`
	Data    []imageDataEntry `json:"data"`
}

// ImageGenerations implements POST /v1/images/generations.
func (s *Server) ImageGenerations(w http.ResponseWriter, r *http.Request) {
	var body imageGenerationsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponseError(w, gatewayerr.Wrap(gatewayerr.ValidationFailure, "decode request body", err))
		return
	}
	if body.N <= 0 {
		body.N = 1
	}

	_, adapter, err := s.modelAndAdapter(r, body.Model)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	resp, err := adapter.GenerateImage(r.Context(), provider.ImageRequest{
		Model:  body.Model,
		Prompt: body.Prompt,
		Size:   body.Size,
		N:      body.N,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	data := make([]imageDataEntry, len(resp.Images))
	for i, img := range resp.Images {
		data[i] = imageDataEntry{URL: img.URL, B64JSON: img.B64JSON}
	}

	httpResponseJSON(w, imageGenerationsResponse{Data: data}, http.StatusOK)
}

type audioSpeechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// AudioSpeech implements POST /v1/audio/speech, returning raw audio bytes.
func (s *Server) AudioSpeech(w http.ResponseWriter, r *http.Request) {
	var body audioSpeechRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponseError(w, gatewayerr.Wrap(gatewayerr.ValidationFailure, "decode request body", err))
		return
	}

	_, adapter, err := s.modelAndAdapter(r, body.Model)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	audio, err := adapter.TextToSpeech(r.Context(), provider.SpeechRequest{
		Model: body.Model,
		Text:  body.Input,
		Voice: body.Voice,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

// AudioTranscriptions implements POST /v1/audio/transcriptions (multipart
// file+model+language?).
func (s *Server) AudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	file, _, model, err := readAudioUpload(r)
	if err != nil {
		httpResponseError(w, err)
		return
	}
	defer file.Close()

	_, adapter, err := s.modelAndAdapter(r, model)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	resp, err := adapter.TranscribeAudio(r.Context(), provider.TranscriptionRequest{
		Model: model,
		Audio: file,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, map[string]string{"text": resp.Text}, http.StatusOK)
}

// AudioSpeechToSpeech implements POST /v1/audio/speech-to-speech (multipart
// file+model+voice?), returning raw audio bytes.
func (s *Server) AudioSpeechToSpeech(w http.ResponseWriter, r *http.Request) {
	file, _, model, err := readAudioUpload(r)
	if err != nil {
		httpResponseError(w, err)
		return
	}
	defer file.Close()

	_, adapter, err := s.modelAndAdapter(r, model)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	audio, err := adapter.SpeechToSpeech(r.Context(), provider.SpeechRequest{
		Model: model,
		Voice: r.FormValue("voice"),
	}, file)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

func readAudioUpload(r *http.Request) (multipart.File, *multipart.FileHeader, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, "", gatewayerr.Wrap(gatewayerr.ValidationFailure, "parse multipart form", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, "", gatewayerr.Wrap(gatewayerr.ValidationFailure, "missing file field", err)
	}

	model := r.FormValue("model")
	if model == "" {
		file.Close()
		return nil, nil, "", gatewayerr.New(gatewayerr.ValidationFailure, "missing model field")
	}

	return file, header, model, nil
}

type videoGenerationsRequest struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Size     string `json:"size,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type videoGenerationsResponse struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// VideoGenerations implements POST /v1/videos/generations. Video generation
// is asynchronous (spec.md §4.1): the returned URL packs the job ID and
// owning model ID so VideoJobStatus/VideoContent can resolve the same
// adapter later without a lookup table.
func (s *Server) VideoGenerations(w http.ResponseWriter, r *http.Request) {
	var body videoGenerationsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponseError(w, gatewayerr.Wrap(gatewayerr.ValidationFailure, "decode request body", err))
		return
	}

	_, adapter, err := s.modelAndAdapter(r, body.Model)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	job, err := adapter.GenerateVideo(r.Context(), provider.VideoRequest{
		Model:  body.Model,
		Prompt: body.Prompt,
	})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	httpResponseJSON(w, videoGenerationsResponse{
		URL:    "JOB_ID:" + job.ID + "|MODEL:" + body.Model,
		Format: "mp4",
	}, http.StatusOK)
}

type videoJobStatusResponse struct {
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
}

// VideoJobStatus implements GET /v1/videos/jobs/{job_id}/{model_id}.
func (s *Server) VideoJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	modelID := r.PathValue("model_id")

	_, adapter, err := s.modelAndAdapter(r, modelID)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	status, err := adapter.PollVideoJob(r.Context(), provider.VideoJob{ID: jobID})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	resp := videoJobStatusResponse{Status: "processing"}
	switch {
	case status.Error != "":
		resp.Status = "failed"
	case status.Done:
		resp.Status = "completed"
		resp.VideoURL = "JOB_ID:" + jobID + "|MODEL:" + modelID
	}

	httpResponseJSON(w, resp, http.StatusOK)
}

// VideoContent implements GET /v1/videos/content/{gen_id}/{model_id},
// streaming the finished video's bytes.
func (s *Server) VideoContent(w http.ResponseWriter, r *http.Request) {
	genID := r.PathValue("gen_id")
	modelID := r.PathValue("model_id")

	_, adapter, err := s.modelAndAdapter(r, modelID)
	if err != nil {
		httpResponseError(w, err)
		return
	}

	content, err := adapter.GetVideoContent(r.Context(), provider.VideoJob{ID: genID})
	if err != nil {
		httpResponseError(w, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
