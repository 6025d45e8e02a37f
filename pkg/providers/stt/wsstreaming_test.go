package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalbridge/voicecore/pkg/voice"
)

func TestWSStreamingSTT_EventOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"speech_start","timestamp_ms":10}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"partial","text":"hel"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"final","text":"hello","language":"en","confidence":0.95,"duration_ms":300}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"speech_end","timestamp_ms":320,"duration_ms":300}`))

		// keep the connection open until the client closes it
		conn.Read(ctx)
	}))
	defer server.Close()

	p := &WSStreamingSTT{
		apiKey: "test-key",
		host:   strings.TrimPrefix(server.URL, "http://"),
		scheme: "ws",
	}

	sess, err := p.OpenSession(context.Background(), voice.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close()

	wantTypes := []voice.SttEventType{voice.SttSpeechStart, voice.SttPartial, voice.SttFinal, voice.SttSpeechEnd}
	for i, want := range wantTypes {
		select {
		case ev := <-sess.Events():
			if ev.Type != want {
				t.Errorf("event %d: expected %s, got %s", i, want, ev.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d: timed out waiting for %s", i, want)
		}
	}

	if p.Name() != "wsstreaming-stt" {
		t.Errorf("expected wsstreaming-stt, got %s", p.Name())
	}
}

func TestWSStreamingSTT_Control(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		_, payload, err := conn.Read(r.Context())
		if err == nil {
			received <- string(payload)
		}
	}))
	defer server.Close()

	p := &WSStreamingSTT{
		apiKey: "test-key",
		host:   strings.TrimPrefix(server.URL, "http://"),
		scheme: "ws",
	}

	sess, err := p.OpenSession(context.Background(), voice.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close()

	if err := sess.Control("cancel"); err != nil {
		t.Fatalf("unexpected error sending control: %v", err)
	}

	select {
	case payload := <-received:
		if payload != `{"command":"cancel"}` {
			t.Errorf("unexpected control payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control frame")
	}
}
