package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultMaxTokens caps completions when a request does not specify a limit.
const DefaultMaxTokens = 4096

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client sdk.Client
	model  string
	temp   float64
}

// NewAnthropic builds the Anthropic adapter.
func NewAnthropic(apiKey, model string, temperature float64) *AnthropicProvider {
	return &AnthropicProvider{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		temp:   temperature,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// SupportsToolCalling implements Provider.
func (p *AnthropicProvider) SupportsToolCalling() bool { return true }

// SupportsStreaming implements Provider.
func (p *AnthropicProvider) SupportsStreaming() bool { return true }

// SupportsVision implements Provider.
func (p *AnthropicProvider) SupportsVision() bool { return true }

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, prompt string) (string, error) {
	resp, err := p.Complete(ctx, &Request{Messages: []Message{{Role: RoleUser, Content: prompt}}})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ChatWithSystem implements Provider.
func (p *AnthropicProvider) ChatWithSystem(ctx context.Context, system, prompt string) (string, error) {
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
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateMessage(msg), nil
}

// Stream implements Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	events := make(chan StreamEvent, 32)
	go func() {
		defer close(events)
		events <- StreamEvent{Kind: EventResponseStart}

		acc := sdk.Message{}
		var failed error
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				failed = err
				break
			}
			switch delta := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				switch d := delta.Delta.AsAny().(type) {
				case sdk.TextDelta:
					events <- StreamEvent{Kind: EventTextDelta, Text: d.Text}
				case sdk.InputJSONDelta:
					events <- StreamEvent{Kind: EventToolCallDelta, Text: d.PartialJSON}
				}
			case sdk.ContentBlockStopEvent:
				// Completed tool calls surface from the accumulator below.
			}
		}
		if failed == nil {
			failed = stream.Err()
		}

		resp := translateMessage(&acc)
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			events <- StreamEvent{Kind: EventToolCallComplete, ToolCall: &tc}
		}
		if failed != nil {
			resp.StopReason = StopError
		}
		events <- StreamEvent{Kind: EventDone, Response: resp, Err: failed}
	}()
	return events, nil
}

func (p *AnthropicProvider) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var conversation []sdk.MessageParam
	var system []sdk.TextBlockParam
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	if len(req.Tools) > 0 {
		toolList := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, err := toolInputSchema(t.Schema)
			if err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", t.Name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, t.Name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			toolList = append(toolList, u)
		}
		params.Tools = toolList
	}
	return params, nil
}

func toolInputSchema(raw string) (sdk.ToolInputSchemaParam, error) {
	if raw == "" {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateMessage(msg *sdk.Message) *Response {
	resp := &Response{Model: string(msg.Model)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}
	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		resp.StopReason = StopToolUse
	case sdk.StopReasonMaxTokens:
		resp.StopReason = StopMaxTokens
	default:
		resp.StopReason = StopEndTurn
	}
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}
