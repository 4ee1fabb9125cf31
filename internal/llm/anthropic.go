package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

type anthropicService struct {
	client anthropic.Client
}

func newAnthropic(apiKey string) *anthropicService {
	return &anthropicService{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (s *anthropicService) Name() string        { return "anthropic" }
func (s *anthropicService) SupportsTools() bool { return true }

func (s *anthropicService) Stream(ctx context.Context, req Request, onDelta Delta) (*Result, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		converted, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = converted
	}

	stream := s.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	var result Result
	var toolCall *models.ToolCall
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					if onDelta != nil {
						onDelta(delta.Text)
					}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if toolCall != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				toolCall.Input = json.RawMessage(input)
				result.ToolCalls = append(result.ToolCalls, *toolCall)
				toolCall = nil
			}
		case "message_delta":
			if reason := string(event.AsMessageDelta().Delta.StopReason); reason != "" {
				result.FinishReason = reason
			}
		}
	}
	if err := stream.Err(); err != nil {
		if len(req.Tools) > 0 && toolsUnsupported(err) {
			return nil, wrapToolsUnsupported(err)
		}
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	result.Content = content.String()
	return &result, nil
}

func anthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		// System prompts travel in params.System.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("tool call %s input: %w", call.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool-result messages are both user turns.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func anthropicTools(decls []tools.Decl) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, decl := range decls {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(decl.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", decl.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, decl.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: invalid definition", decl.Name)
		}
		param.OfTool.Description = anthropic.String(decl.Description)
		out = append(out, param)
	}
	return out, nil
}
