package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/expenseflow/retry"
	openai "github.com/sashabaranov/go-openai"
)

// Confirm the interfaces are implemented correctly.
var (
	_ ObjectGenerator = (*OpenAI)(nil)
	_ TextGenerator   = (*OpenAI)(nil)
)

const (
	DefaultVisionModel   = "gpt-4o-mini"
	DefaultTextModel     = "gpt-4o-mini"
	DefaultTimeout       = 60 * time.Second
	DefaultMaxImageBytes = 10 << 20
)

var ErrNoAPIKey = errors.New("llm: api key not configured")

// Config configures the OpenAI-compatible client
type Config struct {
	APIKey      string
	BaseURL     string
	VisionModel string
	TextModel   string
	Timeout     time.Duration

	// InlineImages downloads http(s) images and sends them as data URLs,
	// for endpoints that cannot fetch remote images themselves.
	InlineImages  bool
	MaxImageBytes int64

	HTTPClient *http.Client
}

// OpenAI implements the model capabilities over the chat completions API
type OpenAI struct {
	client  *openai.Client
	cfg     Config
	fetcher *ImageFetcher
}

// NewOpenAI creates a client from cfg
func NewOpenAI(cfg Config) (*OpenAI, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	if cfg.TextModel == "" {
		cfg.TextModel = DefaultTextModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = cfg.HTTPClient

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientConfig),
		cfg:     cfg,
		fetcher: NewImageFetcher(cfg.HTTPClient, cfg.MaxImageBytes),
	}, nil
}

const objectSystemPrompt = "You extract data from images. Respond with ONLY a JSON object following this JSON schema:\n"

// GenerateObject sends the image with the prompt and decodes the JSON object
// the model answers with.
func (p *OpenAI) GenerateObject(ctx context.Context, req ObjectRequest) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	imageURL := req.ImageURL
	if p.cfg.InlineImages {
		inlined, err := p.fetcher.DataURL(ctx, imageURL)
		if err != nil {
			return nil, err
		}
		imageURL = inlined
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.VisionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: objectSystemPrompt + string(req.Schema),
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageURL, Detail: openai.ImageURLDetailHigh},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, wrapAPIError(err)
	}
	content, err := firstContent(resp)
	if err != nil {
		return nil, err
	}
	return DecodeObject(content)
}

// GenerateText returns the model's answer to prompt
func (p *OpenAI) GenerateText(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.cfg.TextModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", wrapAPIError(err)
	}
	return firstContent(resp)
}

func firstContent(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// DecodeObject parses a JSON object from model output, tolerating a
// surrounding markdown code fence.
func DecodeObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: response is not a JSON object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("llm: response is not a JSON object")
	}
	return out, nil
}

// statusError attaches an HTTP status to an API failure so retry can
// classify it.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

var _ retry.StatusCoder = (*statusError)(nil)

func wrapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &statusError{code: apiErr.HTTPStatusCode, err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &statusError{code: reqErr.HTTPStatusCode, err: err}
	}
	return err
}
