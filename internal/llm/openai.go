package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// openaiService also serves OpenAI-compatible runtimes (Ollama, vLLM,
// LM Studio) via a custom endpoint.
type openaiService struct {
	client *openai.Client
	name   string
}

func newOpenAI(apiKey, endpoint string) *openaiService {
	name := "openai"
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
		name = "openai-compatible"
	}
	return &openaiService{client: openai.NewClientWithConfig(cfg), name: name}
}

func (s *openaiService) Name() string        { return s.name }
func (s *openaiService) SupportsTools() bool { return true }

func (s *openaiService) Stream(ctx context.Context, req Request, onDelta Delta) (*Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: openaiMessages(req),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if len(req.Tools) > 0 && toolsUnsupported(err) {
			return nil, wrapToolsUnsupported(err)
		}
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	var result Result
	calls := make(map[int]*models.ToolCall)
	order := []int{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if len(req.Tools) > 0 && toolsUnsupported(err) {
				return nil, wrapToolsUnsupported(err)
			}
			return nil, fmt.Errorf("openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := calls[index]
			if !ok {
				call = &models.ToolCall{}
				calls[index] = call
				order = append(order, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = json.RawMessage(string(call.Input) + tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			result.FinishReason = string(choice.FinishReason)
		}
	}

	for _, index := range order {
		call := calls[index]
		if call.ID == "" || call.Name == "" {
			continue
		}
		if len(call.Input) == 0 {
			call.Input = json.RawMessage(`{}`)
		}
		result.ToolCalls = append(result.ToolCalls, *call)
	}
	result.Content = content.String()
	return &result, nil
}

func openaiMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func openaiTools(decls []tools.Decl) []openai.Tool {
	out := make([]openai.Tool, len(decls))
	for i, decl := range decls {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.InputSchema,
			},
		}
	}
	return out
}
