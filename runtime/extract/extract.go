// Package extract derives structured memories (facts, entities, tasks) from a
// conversation turn by prompting the upstream model for schema-constrained
// JSON. The model is treated as an unreliable oracle: every reply is validated
// against a JSON schema and a malformed reply degrades to a minimal
// low-confidence fallback record. Transport failures surface as errors with
// no fallback persisted; the caller logs and drops, leaving the turn
// unenriched. Extraction never fails the enclosing request.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/recall/runtime/model"
	"goa.design/recall/runtime/telemetry"
)

const (
	// extractionTemperature keeps the oracle near-deterministic.
	extractionTemperature float32 = 0.1

	// extractionMaxTokens caps the structured reply.
	extractionMaxTokens = 1000

	// fallbackConfidence marks records produced without a parsable reply.
	fallbackConfidence = 0.2

	// MethodLLM tags extractions parsed from a model reply.
	MethodLLM = "llm"
	// MethodFallback tags extractions synthesized after a parse failure.
	MethodFallback = "fallback"
)

type (
	// Fact is one extracted factual statement.
	Fact struct {
		Content    string   `json:"content"`
		Source     string   `json:"source,omitempty"`
		Confidence float64  `json:"confidence"`
		Tags       []string `json:"tags,omitempty"`
	}

	// Entity is one extracted named entity.
	Entity struct {
		Name        string         `json:"name"`
		Type        string         `json:"type,omitempty"`
		Description string         `json:"description,omitempty"`
		Confidence  float64        `json:"confidence"`
		Attributes  map[string]any `json:"attributes,omitempty"`
	}

	// Task is one extracted actionable item.
	Task struct {
		Description string `json:"description"`
		Status      string `json:"status,omitempty"`
		Priority    string `json:"priority,omitempty"`
		Assignee    string `json:"assignee,omitempty"`
		DueDate     string `json:"dueDate,omitempty"`
	}

	// Extraction is the structured result of one turn.
	Extraction struct {
		Facts      []Fact         `json:"facts"`
		Entities   []Entity       `json:"entities"`
		Tasks      []Task         `json:"tasks"`
		Confidence float64        `json:"confidence"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}

	// Extractor runs schema-validated extraction against the upstream model.
	Extractor struct {
		client  model.Client
		modelID string
		schema  *jsonschema.Schema
		logger  telemetry.Logger
	}

	// Options configures an Extractor.
	Options struct {
		// Client is the upstream model client; required.
		Client model.Client

		// Model is the model identifier used for extraction calls; required.
		Model string

		// Logger reports recovered parse failures; nil uses a no-op.
		Logger telemetry.Logger
	}
)

// extractionSchema constrains the oracle's reply. Kept permissive on extras so
// harmless additions do not force the fallback path.
const extractionSchema = `{
  "type": "object",
  "properties": {
    "facts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "content": {"type": "string"},
          "source": {"type": "string"},
          "confidence": {"type": "number"},
          "tags": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["content"]
      }
    },
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "description": {"type": "string"},
          "confidence": {"type": "number"},
          "attributes": {"type": "object"}
        },
        "required": ["name"]
      }
    },
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": "string"},
          "status": {"type": "string"},
          "priority": {"type": "string"},
          "assignee": {"type": "string"},
          "dueDate": {"type": "string"}
        },
        "required": ["description"]
      }
    },
    "confidence": {"type": "number"}
  },
  "required": ["facts"]
}`

// New builds an Extractor from the provided options.
func New(opts Options) (*Extractor, error) {
	if opts.Client == nil {
		return nil, errors.New("extract: model client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("extract: model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(extractionSchema))
	if err != nil {
		return nil, fmt.Errorf("extract: parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction.json", doc); err != nil {
		return nil, fmt.Errorf("extract: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("extraction.json")
	if err != nil {
		return nil, fmt.Errorf("extract: compile schema: %w", err)
	}

	return &Extractor{
		client:  opts.Client,
		modelID: opts.Model,
		schema:  schema,
		logger:  logger,
	}, nil
}

// Extract asks the model for structured memories from one turn. Parse or
// schema failures return the fallback extraction; only transport-level
// failures that prevent any reply surface as errors, and even then the caller
// is expected to log and drop.
func (e *Extractor) Extract(ctx context.Context, userMessage, assistantMessage, contextText string) (*Extraction, error) {
	temp := extractionTemperature
	resp, err := e.client.Complete(ctx, &model.Request{
		Model: e.modelID,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: extractionSystemPrompt()},
			{Role: model.RoleUser, Content: extractionUserPrompt(userMessage, assistantMessage, contextText)},
		},
		Temperature: &temp,
		MaxTokens:   extractionMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: upstream call: %w", err)
	}

	extraction, err := e.parse(resp.Content)
	if err != nil {
		e.logger.Warn(ctx, "extraction parse failed, using fallback", "error", err.Error())
		return Fallback(userMessage, assistantMessage), nil
	}
	extraction.Facts = ValidateAndDedupeFacts(extraction.Facts)
	if extraction.Metadata == nil {
		extraction.Metadata = make(map[string]any)
	}
	extraction.Metadata["extraction_method"] = MethodLLM
	return extraction, nil
}

// parse locates the first balanced JSON object in the reply, validates it
// against the extraction schema and decodes it.
func (e *Extractor) parse(reply string) (*Extraction, error) {
	raw, ok := FirstJSONObject(reply)
	if !ok {
		return nil, errors.New("no balanced JSON object in reply")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}
	var out Extraction
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return &out, nil
}

// Fallback synthesizes the minimal low-confidence extraction used when the
// oracle's reply cannot be parsed. The result is itself a valid Extraction.
func Fallback(userMessage, assistantMessage string) *Extraction {
	content := strings.TrimSpace(userMessage)
	if content == "" {
		content = strings.TrimSpace(assistantMessage)
	}
	const maxFallback = 200
	if len(content) > maxFallback {
		content = content[:maxFallback]
	}
	return &Extraction{
		Facts: []Fact{{
			Content:    "Conversation turn: " + content,
			Source:     "turn",
			Confidence: fallbackConfidence,
		}},
		Confidence: fallbackConfidence,
		Metadata:   map[string]any{"extraction_method": MethodFallback},
	}
}

// ValidateAndDedupeFacts drops empty and out-of-range facts, normalizes
// content (lowercase, collapsed whitespace) for comparison, and coalesces
// duplicates keeping the higher confidence. The operation is idempotent.
func ValidateAndDedupeFacts(facts []Fact) []Fact {
	out := make([]Fact, 0, len(facts))
	index := make(map[string]int, len(facts))
	for _, f := range facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			continue
		}
		key := normalizeContent(f.Content)
		if i, ok := index[key]; ok {
			if f.Confidence > out[i].Confidence {
				out[i] = f
			}
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out
}

func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// FirstJSONObject returns the first balanced top-level {...} substring of s,
// honoring strings and escapes. LLM replies routinely wrap the object in
// prose, so callers scan rather than unmarshal the whole reply.
func FirstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func extractionSystemPrompt() string {
	return "You extract structured memories from conversations. " +
		"Reply with a single JSON object and nothing else. The object has " +
		"fields: facts (array of {content, source, confidence, tags}), " +
		"entities (array of {name, type, description, confidence, attributes}), " +
		"tasks (array of {description, status, priority, assignee, dueDate}) " +
		"and confidence (number in [0,1]). Confidence values are in [0,1]. " +
		"Only include information explicitly present in the conversation."
}

func extractionUserPrompt(userMessage, assistantMessage, contextText string) string {
	var sb strings.Builder
	if contextText != "" {
		sb.WriteString("Context:\n")
		sb.WriteString(contextText)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(userMessage)
	sb.WriteString("\n\nAssistant: ")
	sb.WriteString(assistantMessage)
	return sb.String()
}
