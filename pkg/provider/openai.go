package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider on the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	temp   float64
}

// NewOpenAI builds the OpenAI adapter.
func NewOpenAI(apiKey, model string, temperature float64) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		temp:   temperature,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// SupportsToolCalling implements Provider.
func (p *OpenAIProvider) SupportsToolCalling() bool { return true }

// SupportsStreaming implements Provider.
func (p *OpenAIProvider) SupportsStreaming() bool { return true }

// SupportsVision implements Provider.
func (p *OpenAIProvider) SupportsVision() bool { return true }

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, prompt string) (string, error) {
	resp, err := p.Complete(ctx, &Request{Messages: []Message{{Role: RoleUser, Content: prompt}}})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ChatWithSystem implements Provider.
func (p *OpenAIProvider) ChatWithSystem(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.Complete(ctx, &Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	request, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateCompletion(resp)
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	request, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	events := make(chan StreamEvent, 32)
	go func() {
		defer close(events)
		defer func() { _ = stream.Close() }()
		events <- StreamEvent{Kind: EventResponseStart}

		resp := &Response{Model: request.Model, StopReason: StopEndTurn}
		toolArgs := map[int]*struct {
			id, name, args string
		}{}
		var failed error

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				failed = err
				break
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				resp.Text += choice.Delta.Content
				events <- StreamEvent{Kind: EventTextDelta, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc := toolArgs[idx]
				if acc == nil {
					acc = &struct{ id, name, args string }{}
					toolArgs[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					acc.args += tc.Function.Arguments
					events <- StreamEvent{Kind: EventToolCallDelta, Text: tc.Function.Arguments}
				}
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				resp.StopReason = StopToolUse
			}
			if choice.FinishReason == openai.FinishReasonLength {
				resp.StopReason = StopMaxTokens
			}
		}

		for i := 0; i < len(toolArgs); i++ {
			acc := toolArgs[i]
			if acc == nil || acc.name == "" {
				continue
			}
			var args map[string]any
			_ = json.Unmarshal([]byte(acc.args), &args)
			tc := ToolCall{ID: acc.id, Name: acc.name, Args: args}
			resp.ToolCalls = append(resp.ToolCalls, tc)
			events <- StreamEvent{Kind: EventToolCallComplete, ToolCall: &tc}
		}
		if failed != nil {
			resp.StopReason = StopError
		}
		events <- StreamEvent{Kind: EventDone, Response: resp, Err: failed}
	}()
	return events, nil
}

func (p *OpenAIProvider) encodeRequest(req *Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleSystem, Content: m.Content,
			})
		case RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser, Content: m.Content,
			})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant, Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal tool args: %w", err)
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, msg)
		case RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}

	request := &openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temp
	}
	if temp > 0 {
		request.Temperature = float32(temp)
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}

	for _, t := range req.Tools {
		var params any
		if t.Schema != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(t.Schema), &m); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", t.Name, err)
			}
			params = m
		}
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return request, nil
}

func translateCompletion(resp openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices")
	}
	choice := resp.Choices[0]
	out := &Response{
		Text:  choice.Message.Content,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.StopReason = StopToolUse
	case openai.FinishReasonLength:
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	return out, nil
}
