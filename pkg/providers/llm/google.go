package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

// GoogleLLM implements voice.LLMProvider against Gemini's generateContent
// endpoint. Gemini's SSE streaming transport shape differs enough from
// the OpenAI/Anthropic delta-per-event convention that this adapter
// calls the non-streaming endpoint and emits the full response as a
// single Token; the segmenter downstream handles multi-sentence text
// the same way regardless of how many Tokens it arrived in.
type GoogleLLM struct {
	apiKey string
	url    string
	model  string
	hist   *history
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent",
		model:  model,
		hist:   newHistory(),
	}
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}

func (l *GoogleLLM) Reset(channelID string) {
	l.hist.Reset(channelID)
}

func (l *GoogleLLM) GenerateStream(ctx context.Context, channelID, text string) (<-chan voice.Token, error) {
	messages := l.hist.Append(channelID, "user", text)

	type googleMessage struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}

	var contents []googleMessage
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user"
		}
		if role == "assistant" {
			role = "model"
		}
		msg := googleMessage{Role: role}
		msg.Parts = append(msg.Parts, struct {
			Text string `json:"text"`
		}{Text: m.Content})
		contents = append(contents, msg)
	}

	payload := map[string]interface{}{"contents": contents}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from google llm")
	}

	full := result.Candidates[0].Content.Parts[0].Text
	l.hist.AppendAssistant(channelID, full)

	out := make(chan voice.Token, 1)
	out <- voice.Token{Text: full}
	close(out)
	return out, nil
}
