// Package extract implements the two-phase LLM extraction pipeline: per-
// chunk event extraction, cross-chunk canonicalization, and entity
// resolution, writing the result with relstore's replace-on-success
// transaction.
package extract

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"agentmemory/internal/errs"
	"agentmemory/internal/observability"
)

// LLMConfig configures the extraction model client.
type LLMConfig struct {
	APIKey string
	Model  string
}

// jsonCaller is the seam Phase A, Phase B, and entity resolution call
// through. Tests substitute a fake that returns canned tool input without
// reaching the network; production wiring uses *LLMClient.
type jsonCaller interface {
	CallForJSON(ctx context.Context, systemPrompt, userContent, toolName string, schema map[string]any) (json.RawMessage, error)
}

// LLMClient is a thin wrapper around the Anthropic SDK scoped to the one
// thing extraction needs: a single-turn call that is forced to return JSON
// matching a tool's input schema. It never exposes multi-turn chat or
// streaming — those belong to a conversational agent, not a structured
// extraction call.
type LLMClient struct {
	sdk   anthropic.Client
	model string
	log   zerolog.Logger
}

func NewLLMClient(cfg LLMConfig, httpClient *http.Client, log zerolog.Logger) *LLMClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(observability.NewHTTPClient(httpClient)),
	}
	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	return &LLMClient{sdk: anthropic.NewClient(opts...), model: model, log: log.With().Str("component", "extract.llm").Logger()}
}

// CallForJSON sends systemPrompt and userContent, forces the model to
// invoke toolName with the given input schema, and returns the tool's raw
// JSON input on success. userContent is always wrapped as inert data; the
// system prompt is responsible for instructing the model to treat it as
// such and to ignore any instructions embedded within it.
func (c *LLMClient) CallForJSON(ctx context.Context, systemPrompt, userContent, toolName string, schema map[string]any) (json.RawMessage, error) {
	tool := anthropic.ToolParam{
		Name:        toolName,
		InputSchema: schemaToInputSchema(schema),
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userContent)),
		},
		Tools:      []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceParamOfTool(toolName),
	}

	log := observability.LoggerWithTrace(ctx)
	if reqBody, err := json.Marshal(params); err == nil {
		log.Debug().RawJSON("request", observability.RedactJSON(reqBody)).Str("tool", toolName).Msg("extraction model call")
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("tool", toolName).Msg("extraction model call failed")
		return nil, errs.Transient(err, "extraction model call failed")
	}

	if respBody, err := json.Marshal(resp); err == nil {
		log.Debug().RawJSON("response", observability.RedactJSON(respBody)).Msg("extraction model response")
	}

	for _, block := range resp.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok && tu.Name == toolName {
			return json.RawMessage(tu.Input), nil
		}
	}
	return nil, errs.ExtractionFailed(nil, "model response did not include a %s tool call", toolName)
}

func schemaToInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	props, _ := schema["properties"].(map[string]any)
	var required []string
	if raw, ok := schema["required"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	return anthropic.ToolInputSchemaParam{
		Properties: props,
		Required:   required,
	}
}
