// Package provider holds one adapter per upstream vendor, translating the
// gateway's vendor-neutral call shape into each vendor's wire format and
// back. Every adapter implements Adapter; ones that don't support a given
// capability embed UnsupportedAdapter so "not supported by this provider"
// is enforced once instead of per-adapter.
package provider

import (
	"context"
	"io"
)

// Message is one vendor-neutral chat message. Content is either a plain
// string or a pre-shaped map (already in the target vendor's content-block
// format, used by the agentic executor when it needs fine control over
// multi-part content).
type Message struct {
	Role    string
	Content any
}

// Tool is a vendor-neutral function-calling tool declaration.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a vendor-neutral function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Usage is token accounting, used for cost calculation (spec.md §4.2).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatRequest is the vendor-neutral request shape for Chat and ChatStream.
type ChatRequest struct {
	Model           string
	Messages        []Message
	Tools           []Tool
	Temperature     *float64
	MaxTokens       *int
	ResponseFormat  string
	ReasoningEffort string
	Modality        string
}

// ChatResponse is a fully-accumulated, non-streaming chat result.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Finished  bool
}

// StreamChunk is one decoded delta from a streaming chat call. Consumers
// concatenate Content across chunks to form the full response; Usage (when
// present) arrives on the terminal chunk for vendors that report it there.
type StreamChunk struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
	Err          error
}

// ImageRequest is a vendor-neutral image generation request.
type ImageRequest struct {
	Model  string
	Prompt string
	Size   string
	N      int
}

// ImageResponse holds generated image data (base64 or URL, vendor dependent).
type ImageResponse struct {
	Images []ImageResult
	Usage  Usage
}

type ImageResult struct {
	B64JSON string
	URL     string
}

// SpeechRequest is a text-to-speech request.
type SpeechRequest struct {
	Model string
	Text  string
	Voice string
	Format string
}

// TranscriptionRequest is a speech-to-text request.
type TranscriptionRequest struct {
	Model string
	Audio io.Reader
	Mime  string
}

// TranscriptionResponse is the decoded transcript.
type TranscriptionResponse struct {
	Text string
}

// VideoRequest is a generate_video request; video generation is
// asynchronous (spec.md §4.1: poll_video_job / get_video_content).
type VideoRequest struct {
	Model  string
	Prompt string
}

// VideoJob identifies an in-flight video generation job.
type VideoJob struct {
	ID string
}

// VideoJobStatus is the polled state of a video generation job.
type VideoJobStatus struct {
	Done  bool
	Error string
}

// Unsupported is returned by capabilities an adapter doesn't implement.
type Unsupported struct {
	Capability string
	Provider   string
}

func (e *Unsupported) Error() string {
	return e.Capability + " not supported by this provider (" + e.Provider + ")"
}

// Adapter is the full capability set a provider adapter may implement
// (spec.md §4.1). Adapters embed UnsupportedAdapter to satisfy capabilities
// they don't support.
type Adapter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
	TextToSpeech(ctx context.Context, req SpeechRequest) ([]byte, error)
	TranscribeAudio(ctx context.Context, req TranscriptionRequest) (*TranscriptionResponse, error)
	SpeechToSpeech(ctx context.Context, req SpeechRequest, audio io.Reader) ([]byte, error)
	GenerateVideo(ctx context.Context, req VideoRequest) (*VideoJob, error)
	PollVideoJob(ctx context.Context, job VideoJob) (*VideoJobStatus, error)
	GetVideoContent(ctx context.Context, job VideoJob) ([]byte, error)
}

// UnsupportedAdapter implements every Adapter method as a structured
// "unsupported" error. Vendor adapters embed it and override only the
// capabilities from spec.md §4.1's per-vendor row that they actually
// support.
type UnsupportedAdapter struct {
	ProviderName string
}

func (u UnsupportedAdapter) unsupported(capability string) error {
	return &Unsupported{Capability: capability, Provider: u.ProviderName}
}

func (u UnsupportedAdapter) Chat(context.Context, ChatRequest) (*ChatResponse, error) {
	return nil, u.unsupported("chat")
}

func (u UnsupportedAdapter) ChatStream(context.Context, ChatRequest) (<-chan StreamChunk, error) {
	return nil, u.unsupported("stream_chat")
}

func (u UnsupportedAdapter) GenerateImage(context.Context, ImageRequest) (*ImageResponse, error) {
	return nil, u.unsupported("generate_image")
}

func (u UnsupportedAdapter) TextToSpeech(context.Context, SpeechRequest) ([]byte, error) {
	return nil, u.unsupported("text_to_speech")
}

func (u UnsupportedAdapter) TranscribeAudio(context.Context, TranscriptionRequest) (*TranscriptionResponse, error) {
	return nil, u.unsupported("transcribe_audio")
}

func (u UnsupportedAdapter) SpeechToSpeech(context.Context, SpeechRequest, io.Reader) ([]byte, error) {
	return nil, u.unsupported("speech_to_speech")
}

func (u UnsupportedAdapter) GenerateVideo(context.Context, VideoRequest) (*VideoJob, error) {
	return nil, u.unsupported("generate_video")
}

func (u UnsupportedAdapter) PollVideoJob(context.Context, VideoJob) (*VideoJobStatus, error) {
	return nil, u.unsupported("poll_video_job")
}

func (u UnsupportedAdapter) GetVideoContent(context.Context, VideoJob) ([]byte, error) {
	return nil, u.unsupported("get_video_content")
}
