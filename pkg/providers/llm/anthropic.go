package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

// AnthropicLLM implements voice.LLMProvider against Anthropic's streaming
// messages endpoint.
type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
	hist   *history
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
		hist:   newHistory(),
	}
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}

func (l *AnthropicLLM) Reset(channelID string) {
	l.hist.Reset(channelID)
}

func (l *AnthropicLLM) GenerateStream(ctx context.Context, channelID, text string) (<-chan voice.Token, error) {
	messages := l.hist.Append(channelID, "user", text)

	var system string
	var anthropicMessages []map[string]string
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		anthropicMessages = append(anthropicMessages, map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("anthropic llm error (status %d): %v", resp.StatusCode, errResp)
	}

	out := make(chan voice.Token, 8)
	go l.pump(ctx, channelID, resp.Body, out)
	return out, nil
}

func (l *AnthropicLLM) pump(ctx context.Context, channelID string, body io.ReadCloser, out chan<- voice.Token) {
	defer close(out)
	defer body.Close()

	var full bytes.Buffer
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sseLines(scanner, func(payload string) bool {
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return true
		}
		if event.Type != "content_block_delta" || event.Delta.Text == "" {
			return true
		}
		full.WriteString(event.Delta.Text)
		select {
		case out <- voice.Token{Text: event.Delta.Text}:
		case <-ctx.Done():
			return false
		}
		return true
	})

	if full.Len() > 0 {
		l.hist.AppendAssistant(channelID, full.String())
	}
}
