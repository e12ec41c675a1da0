package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions client.
type OpenAIConfig struct {
	APIURL    string
	APIKey    string
	Model     string
	MaxTokens int
	// RetryMax bounds retries on connection errors and 5xx responses.
	// Retries only happen before the stream starts.
	RetryMax int
}

// OpenAI talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, Groq, Ollama, vLLM, llama.cpp server).
type OpenAI struct {
	cfg    OpenAIConfig
	client *retryablehttp.Client
}

// NewOpenAI creates a client. The HTTP client has no overall timeout:
// streams are bounded by the caller's context.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	return &OpenAI{cfg: cfg, client: rc}
}

// Name implements Backend.
func (o *OpenAI) Name() string { return "openai" }

// Model returns the configured model name.
func (o *OpenAI) Model() string { return o.cfg.Model }

// URL returns the configured endpoint.
func (o *OpenAI) URL() string { return o.cfg.APIURL }

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaRequest struct {
	Model         string           `json:"model"`
	Messages      []oaMessage      `json:"messages"`
	Tools         []oaTool         `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens"`
	Temperature   float64          `json:"temperature"`
	Stream        bool             `json:"stream"`
	StreamOptions *oaStreamOptions `json:"stream_options,omitempty"`
}

func (o *OpenAI) buildRequest(req Request, stream bool) oaRequest {
	out := oaRequest{
		Model:     o.cfg.Model,
		MaxTokens: o.cfg.MaxTokens,
		Stream:    stream,
	}
	if stream {
		out.StreamOptions = &oaStreamOptions{IncludeUsage: true}
	}
	if req.System != "" {
		out.Messages = append(out.Messages, oaMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaFunction{Name: tc.Name, Arguments: tc.Input},
			})
		}
		out.Messages = append(out.Messages, om)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, oaTool{Type: "function", Function: t})
	}
	return out
}

func (o *OpenAI) post(ctx context.Context, body oaRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, o.cfg.APIURL, data)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Stream implements Backend.
func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	resp, err := o.post(ctx, o.buildRequest(req, true))
	if err != nil {
		return nil, &UnavailableError{Backend: o.Name(), Err: err}
	}
	ch := make(chan StreamEvent, 16)
	go o.pump(ctx, resp.Body, ch)
	return ch, nil
}

type oaChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    int        `json:"index"`
				ID       string     `json:"id"`
				Function oaFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// pump converts SSE chunks to events. Tool-call fragments are accumulated
// per index and emitted whole when the choice finishes.
func (o *OpenAI) pump(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := map[int]*ToolCall{}
	flushCalls := func() bool {
		idx := make([]int, 0, len(calls))
		for i := range calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			if !send(StreamEvent{Kind: ToolUse, ToolUse: *calls[i]}) {
				return false
			}
		}
		clear(calls)
		return true
	}

	r := newSSEReader(body)
	for {
		ev, err := r.Next()
		if err == io.EOF {
			if flushCalls() {
				send(StreamEvent{Kind: Done})
			}
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				send(StreamEvent{Kind: Error, Err: fmt.Errorf("read stream: %w", err)})
			}
			return
		}
		if ev.Data == "[DONE]" {
			if flushCalls() {
				send(StreamEvent{Kind: Done})
			}
			return
		}

		var c oaChunk
		if err := json.Unmarshal([]byte(ev.Data), &c); err != nil {
			continue
		}
		if c.Error != nil {
			send(StreamEvent{Kind: Error, Err: fmt.Errorf("backend error: %s", c.Error.Message)})
			return
		}
		for _, choice := range c.Choices {
			d := choice.Delta
			if t := d.ReasoningContent + d.Reasoning; t != "" {
				if !send(StreamEvent{Kind: Thinking, Text: t}) {
					return
				}
			}
			if d.Content != "" {
				if !send(StreamEvent{Kind: Text, Text: d.Content}) {
					return
				}
			}
			for _, tc := range d.ToolCalls {
				acc, ok := calls[tc.Index]
				if !ok {
					acc = &ToolCall{}
					calls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Input += tc.Function.Arguments
			}
			if choice.FinishReason != nil && !flushCalls() {
				return
			}
		}
		if c.Usage != nil {
			if !send(StreamEvent{Kind: Usage, Usage: TokenUsage{In: c.Usage.PromptTokens, Out: c.Usage.CompletionTokens}}) {
				return
			}
		}
	}
}

// Complete implements Completer with a non-streaming request.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	body := o.buildRequest(Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}, false)
	resp, err := o.post(ctx, body)
	if err != nil {
		return "", &UnavailableError{Backend: o.Name(), Err: err}
	}
	defer resp.Body.Close()

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

var (
	_ Backend   = (*OpenAI)(nil)
	_ Completer = (*OpenAI)(nil)
)
