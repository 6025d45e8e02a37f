// Package llm adapts third-party conversational-agent APIs to
// voice.LLMProvider, keeping per-channel message history so the voice
// core's synthetic "voice-{user_id}" and shared batched-prompt channel
// ids behave like independent conversations.
package llm

import (
	"bufio"
	"strings"
	"sync"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

// history tracks per-channel conversation turns for providers whose
// completion APIs are stateless per request.
type history struct {
	mu       sync.Mutex
	messages map[string][]voice.Message
}

func newHistory() *history {
	return &history{messages: make(map[string][]voice.Message)}
}

// Append records a new turn with the given role and returns the full message list for
// channelID, including the turn just appended.
func (h *history) Append(channelID, role, content string) []voice.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[channelID] = append(h.messages[channelID], voice.Message{Role: role, Content: content})
	out := make([]voice.Message, len(h.messages[channelID]))
	copy(out, h.messages[channelID])
	return out
}

// AppendAssistant records the assistant's reply once a stream completes.
func (h *history) AppendAssistant(channelID, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[channelID] = append(h.messages[channelID], voice.Message{Role: "assistant", Content: content})
}

// Reset clears channelID's history, implementing voice.LLMProvider.Reset.
func (h *history) Reset(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.messages, channelID)
}

// sseLines reads scanner line by line, handing complete "data: ..." payloads
// to onData. It stops at a "data: [DONE]" sentinel, when onData returns
// false, or when the scanner is exhausted.
func sseLines(scanner *bufio.Scanner, onData func(payload string) bool) {
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return
		}
		if !onData(payload) {
			return
		}
	}
}
