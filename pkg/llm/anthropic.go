package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 8192

// AnthropicOptions configures the Anthropic-backed client.
type AnthropicOptions struct {
	// APIKey authenticates with a standard API key. AuthToken takes
	// precedence when both are set.
	APIKey string

	// AuthToken authenticates with an OAuth bearer token.
	AuthToken string

	// Model is the model identifier for all calls.
	Model string

	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

// Anthropic implements Client on the Anthropic Messages streaming API.
type Anthropic struct {
	msg   sdk.MessageService
	model string
}

// NewAnthropic constructs the production client.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if opts.Model == "" {
		return nil, errors.New("llm: model identifier is required")
	}
	var ro []option.RequestOption
	switch {
	case opts.AuthToken != "":
		ro = append(ro, option.WithAuthToken(opts.AuthToken))
	case opts.APIKey != "":
		ro = append(ro, option.WithAPIKey(opts.APIKey))
	default:
		return nil, errors.New("llm: API key or auth token is required")
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	client := sdk.NewClient(ro...)
	return &Anthropic{msg: client.Messages, model: opts.Model}, nil
}

// Stream issues one streaming Messages call, forwarding text deltas to
// onDelta and accumulating the full response.
func (a *Anthropic) Stream(ctx context.Context, req *Request, onDelta func(string)) (*Response, error) {
	params, err := a.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	stream := a.msg.NewStreaming(ctx, *params)
	defer stream.Close()

	var acc sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}
		if onDelta == nil {
			continue
		}
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return decodeResponse(&acc)
}

func (a *Anthropic) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("llm: messages are required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		enc, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		if enc != nil {
			params.Messages = append(params.Messages, *enc)
		}
	}
	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	if req.EnableWebSearch {
		params.Tools = append(params.Tools, sdk.ToolUnionParam{
			OfWebSearchTool20250305: &sdk.WebSearchTool20250305Param{},
		})
	}
	return params, nil
}

func encodeMessage(m Message) (*sdk.MessageParam, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Kind {
		case BlockText:
			if b.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		case BlockToolUse:
			var input any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("tool_use input for %s: %w", b.ID, err)
				}
			}
			blocks = append(blocks, sdk.NewToolUseBlock(b.ID, input, b.Name))
		case BlockToolResult:
			blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		case BlockServer:
			// Round-trip provider-injected blocks through the response union so
			// replayed turns keep server tool content intact.
			var u sdk.ContentBlockUnion
			if err := json.Unmarshal(b.Raw, &u); err != nil {
				return nil, fmt.Errorf("replay server block: %w", err)
			}
			blocks = append(blocks, u.ToParam())
		default:
			return nil, fmt.Errorf("unsupported block kind %q", b.Kind)
		}
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	switch m.Role {
	case RoleUser:
		enc := sdk.NewUserMessage(blocks...)
		return &enc, nil
	case RoleAssistant:
		enc := sdk.NewAssistantMessage(blocks...)
		return &enc, nil
	default:
		return nil, fmt.Errorf("unsupported role %q", m.Role)
	}
}

func decodeResponse(msg *sdk.Message) (*Response, error) {
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			resp.Blocks = append(resp.Blocks, Block{Kind: BlockText, Text: b.Text})
		case sdk.ToolUseBlock:
			input := json.RawMessage(b.Input)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			resp.Blocks = append(resp.Blocks, Block{
				Kind:  BlockToolUse,
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		default:
			// Server tool blocks (web search use/results) are preserved verbatim.
			resp.Blocks = append(resp.Blocks, Block{
				Kind: BlockServer,
				Raw:  json.RawMessage(block.RawJSON()),
			})
		}
	}
	return resp, nil
}
