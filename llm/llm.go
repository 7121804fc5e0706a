// Package llm provides the model capabilities used by the pipeline: turning
// a receipt image into a structured object and completing free text.
package llm

import (
	"context"
	"encoding/json"
)

// ObjectRequest asks for a structured object extracted from an image
type ObjectRequest struct {
	// ImageURL is an http(s) URL or a base64 image data URL
	ImageURL string

	// Prompt is the instruction given alongside the image
	Prompt string

	// Schema is the JSON schema the object should follow
	Schema json.RawMessage
}

// ObjectGenerator returns a best-effort structured extraction. Numbers in the
// returned object are json.Number values.
type ObjectGenerator interface {
	GenerateObject(ctx context.Context, req ObjectRequest) (map[string]any, error)
}

// TextGenerator returns a free-text completion
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}
