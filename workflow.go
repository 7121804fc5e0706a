package expenseflow

import (
	"fmt"
	"net/url"
	"strings"
)

// Input types understood by input validation
const (
	InputTypeString = "string"
	InputTypeNumber = "number"
	InputTypeBool   = "bool"
	InputTypeURL    = "url"
)

// Input defines a workflow input parameter
type Input struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Options are used to configure a workflow.
type Options struct {
	Name        string
	Description string
	Inputs      []*Input
	Steps       []Step
}

// Workflow is a fixed, ordered sequence of steps.
type Workflow struct {
	name        string
	description string
	inputs      []*Input
	steps       []Step
	stepIndex   map[string]int
}

// New returns a new Workflow configured with the given options.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("steps required")
	}
	stepIndex := make(map[string]int, len(opts.Steps))
	for i, step := range opts.Steps {
		if step == nil {
			return nil, fmt.Errorf("step %d is nil", i)
		}
		if step.ID() == "" {
			return nil, fmt.Errorf("step id required")
		}
		if _, dup := stepIndex[step.ID()]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID())
		}
		stepIndex[step.ID()] = i
	}
	if err := validateContracts(opts.Steps); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}
	for _, input := range opts.Inputs {
		if input.Name == "" {
			return nil, fmt.Errorf("input name required")
		}
	}
	return &Workflow{
		name:        opts.Name,
		description: opts.Description,
		inputs:      opts.Inputs,
		steps:       opts.Steps,
		stepIndex:   stepIndex,
	}, nil
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.name
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.description
}

// Inputs returns the workflow inputs
func (w *Workflow) Inputs() []*Input {
	return w.inputs
}

// Steps returns the workflow steps in execution order
func (w *Workflow) Steps() []Step {
	return w.steps
}

// StepIDs returns the step identifiers in execution order
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.steps))
	for i, s := range w.steps {
		ids[i] = s.ID()
	}
	return ids
}

// GetStep returns a step and its position by id
func (w *Workflow) GetStep(id string) (Step, int, bool) {
	i, ok := w.stepIndex[id]
	if !ok {
		return nil, -1, false
	}
	return w.steps[i], i, true
}

// validateContracts checks that each step's output type is the next step's
// input type. Steps must also declare both types.
func validateContracts(steps []Step) error {
	for i, step := range steps {
		c := step.Contract()
		if c.Input == nil || c.Output == nil {
			return fmt.Errorf("step %q must declare input and output contracts", step.ID())
		}
		if i == 0 {
			continue
		}
		prev := steps[i-1]
		if out := prev.Contract().Output; out != c.Input {
			return fmt.Errorf("step %q outputs %s but step %q expects %s",
				prev.ID(), out, step.ID(), c.Input)
		}
	}
	return nil
}

// ValidateInputs applies defaults and checks the given inputs against the
// declared ones. Unknown inputs are rejected.
func (w *Workflow) ValidateInputs(given map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(w.inputs))
	var problems []FieldError
	for _, input := range w.inputs {
		v, ok := given[input.Name]
		if !ok || v == nil {
			if input.Default != nil {
				inputs[input.Name] = input.Default
				continue
			}
			if input.Required {
				problems = append(problems, FieldError{Field: input.Name, Message: "is required"})
			}
			continue
		}
		if msg := checkInputType(input.Type, v); msg != "" {
			problems = append(problems, FieldError{Field: input.Name, Message: msg})
			continue
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		inputs[input.Name] = v
	}
	for k := range given {
		if _, ok := inputs[k]; ok {
			continue
		}
		if !w.hasInput(k) {
			problems = append(problems, FieldError{Field: k, Message: "unknown input"})
		}
	}
	if len(problems) > 0 {
		return nil, invalidInputError(problems, "invalid workflow input: %s", problems[0].Field+" "+problems[0].Message)
	}
	return inputs, nil
}

func (w *Workflow) hasInput(name string) bool {
	for _, input := range w.inputs {
		if input.Name == name {
			return true
		}
	}
	return false
}

func checkInputType(typ string, v any) string {
	switch typ {
	case InputTypeString, "":
		if _, ok := v.(string); !ok {
			return "must be a string"
		}
	case InputTypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
		default:
			return "must be a number"
		}
	case InputTypeBool:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case InputTypeURL:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		return checkImageReference(strings.TrimSpace(s))
	default:
		return fmt.Sprintf("has unsupported type %q", typ)
	}
	return ""
}

// checkImageReference accepts absolute http(s) URLs and base64 image data URLs
func checkImageReference(s string) string {
	if s == "" {
		return "must not be empty"
	}
	if strings.HasPrefix(s, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
		if !ok || data == "" || !strings.HasPrefix(meta, "image/") || !strings.HasSuffix(meta, ";base64") {
			return "must be a base64 image data URL"
		}
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return "must be a well-formed URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "must use http or https"
	}
	if u.Host == "" {
		return "must include a host"
	}
	return ""
}
