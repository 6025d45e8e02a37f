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

// GroqLLM implements voice.LLMProvider against Groq's OpenAI-compatible
// streaming chat completions endpoint.
type GroqLLM struct {
	apiKey string
	url    string
	model  string
	hist   *history
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
		hist:   newHistory(),
	}
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}

func (l *GroqLLM) Reset(channelID string) {
	l.hist.Reset(channelID)
}

func (l *GroqLLM) GenerateStream(ctx context.Context, channelID, text string) (<-chan voice.Token, error) {
	messages := l.hist.Append(channelID, "user", text)

	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"stream":   true,
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
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("groq llm error (status %d): %v", resp.StatusCode, errResp)
	}

	out := make(chan voice.Token, 8)
	go l.pump(ctx, channelID, resp.Body, out)
	return out, nil
}

func (l *GroqLLM) pump(ctx context.Context, channelID string, body io.ReadCloser, out chan<- voice.Token) {
	defer close(out)
	defer body.Close()

	var full bytes.Buffer
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sseLines(scanner, func(payload string) bool {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return true
		}
		if len(chunk.Choices) == 0 {
			return true
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			return true
		}
		full.WriteString(text)
		select {
		case out <- voice.Token{Text: text}:
		case <-ctx.Done():
			return false
		}
		return true
	})

	if full.Len() > 0 {
		l.hist.AppendAssistant(channelID, full.String())
	}
}
