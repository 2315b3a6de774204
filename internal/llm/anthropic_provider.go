package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// AnthropicConfig configures AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
	MaxTokens    int64
}

// AnthropicProvider is the production Provider backed by Claude's Messages
// API (spec §4.D). It normalizes Anthropic's SSE event stream into the
// llm.Event sequence the Track Engine core expects.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	maxTokens    int64
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider builds an AnthropicProvider from cfg, applying
// defaults for every optional field.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) ListModels(_ context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{Name: "claude-opus-4-20250514", Provider: "anthropic", ContextWindow: 200000},
		{Name: "claude-sonnet-4-20250514", Provider: "anthropic", ContextWindow: 200000},
		{Name: "claude-3-5-sonnet-20241022", Provider: "anthropic", ContextWindow: 200000},
	}, nil
}

// Chat spawns a streaming Messages request, translating every SSE event
// into the normalized protocol (spec §4.D) on a background goroutine, and
// returns the stream's ref immediately.
func (p *AnthropicProvider) Chat(ctx context.Context, req Request, events chan<- Event) (Ref, error) {
	ref := Ref(uuid.New().String())

	params, err := p.buildParams(req)
	if err != nil {
		return "", fmt.Errorf("llm: anthropic request: %w", err)
	}

	go p.run(ctx, ref, params, events)

	return ref, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			// "user" and "tool" both surface as user-role text (spec §4.I
			// replays tool results as plain content, not structured
			// tool_result blocks, since the core only tracks terminal text).
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return params, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
			if tool.OfTool != nil {
				tool.OfTool.Description = anthropic.String(t.Description)
			}
			tools = append(tools, tool)
		}
		params.Tools = tools
	}

	return params, nil
}

// run drives the stream to completion, retrying the whole request on a
// transient connection failure (spec §4.D doesn't mandate retries, but
// every provider in this codebase's lineage backs off on 429/5xx), and
// emits the normalized event sequence. It owns events and never closes it,
// matching StaticProvider's contract that callers demultiplex by ref.
func (p *AnthropicProvider) run(ctx context.Context, ref Ref, params anthropic.MessageNewParams, events chan<- Event) {
	emit(events, StreamStarted{Ref: string(ref)})

	for attempt := 0; ; attempt++ {
		stream := p.client.Messages.NewStreaming(ctx, params)
		if done := processAnthropicStream(ref, stream, events); done {
			return
		}

		err := stream.Err()
		if !isRetryableErr(err) || attempt >= p.maxRetries {
			emit(events, StreamError{Ref: string(ref), Reason: err.Error(), Recoverable: isRetryableErr(err)})
			return
		}

		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			emit(events, StreamError{Ref: string(ref), Reason: ctx.Err().Error(), Recoverable: false})
			return
		case <-time.After(backoff):
		}
	}
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if ae, ok := err.(*anthropic.Error); ok {
		apiErr = ae
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return true
}

// processAnthropicStream consumes one connection attempt's worth of SSE
// events. It returns true once the stream reaches message_stop (or ends
// cleanly); the caller treats false as a failed attempt eligible for retry.
func processAnthropicStream(ref Ref, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, events chan<- Event) bool {
	var toolCallID, toolCallName string
	var toolInputBuf []byte
	stopReason := StopReasonEndTurn
	var inputTokens, outputTokens int
	var cacheContext json.RawMessage

	for stream.Next() {
		ev := stream.Current()
		switch ev.Type {
		case "message_start":
			ms := ev.AsMessageStart()
			inputTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			start := ev.AsContentBlockStart()
			switch start.ContentBlock.Type {
			case "tool_use":
				toolUse := start.ContentBlock.AsToolUse()
				toolCallID = toolUse.ID
				toolCallName = toolUse.Name
				toolInputBuf = toolInputBuf[:0]
				emit(events, ContentBlockStart{Ref: string(ref), Index: int(start.Index), Type: ContentBlockToolCall})
			case "thinking":
				emit(events, ContentBlockStart{Ref: string(ref), Index: int(start.Index), Type: ContentBlockThinking})
			default:
				emit(events, ContentBlockStart{Ref: string(ref), Index: int(start.Index), Type: ContentBlockText})
			}

		case "content_block_delta":
			delta := ev.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				emit(events, ContentDelta{Ref: string(ref), Index: int(delta.Index), Delta: delta.Delta.Text})
			case "thinking_delta":
				emit(events, ContentDelta{Ref: string(ref), Index: int(delta.Index), Delta: delta.Delta.Thinking})
			case "input_json_delta":
				toolInputBuf = append(toolInputBuf, []byte(delta.Delta.PartialJSON)...)
			}

		case "content_block_stop":
			stop := ev.AsContentBlockStop()
			if toolCallID != "" {
				var args map[string]interface{}
				_ = json.Unmarshal(toolInputBuf, &args)
				emit(events, ToolCall{Ref: string(ref), Index: int(stop.Index), ID: toolCallID, Name: toolCallName, Arguments: args})
				toolCallID = ""
			}
			emit(events, ContentBlockStop{Ref: string(ref), Index: int(stop.Index)})

		case "message_delta":
			md := ev.AsMessageDelta()
			outputTokens = int(md.Usage.OutputTokens)
			switch md.Delta.StopReason {
			case "tool_use":
				stopReason = StopReasonToolUse
			case "max_tokens":
				stopReason = StopReasonMaxTokens
			default:
				stopReason = StopReasonEndTurn
			}

		case "message_stop":
			emit(events, StreamComplete{
				Ref:          string(ref),
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				CacheContext: cacheContext,
			})
			return true
		}
	}

	if stream.Err() != nil {
		return false
	}

	emit(events, StreamComplete{Ref: string(ref), StopReason: stopReason, InputTokens: inputTokens, OutputTokens: outputTokens})
	return true
}

func emit(events chan<- Event, ev Event) {
	events <- ev
}
