package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func withFrozenClock(t *testing.T, ms int64) {
	t.Helper()
	orig := nowMillis
	nowMillis = func() int64 { return ms }
	t.Cleanup(func() { nowMillis = orig })
}

func TestForward_ForwardsEventsAndRecordsUsage(t *testing.T) {
	withFrozenClock(t, 1000)

	upstream := io.NopCloser(strings.NewReader(
		"data: {\"event\":\"delta\",\"text\":\"hi\"}\n\n" +
			"data: {\"event\":\"message_end\",\"metadata\":{\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}}\n\n" +
			"data: [DONE]\n\n",
	))

	var recorded Usage
	var recordedUser string
	record := func(ctx context.Context, userID, conversationID, endpoint string, usage Usage) error {
		recorded = usage
		recordedUser = userID
		return nil
	}

	rec := httptest.NewRecorder()
	err := Forward(context.Background(), rec, upstream, "user-1", "conv-1", "ai_assistant", record)
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if recorded.TotalTokens != 7 {
		t.Errorf("recorded usage = %+v, want TotalTokens 7", recorded)
	}
	if recordedUser != "user-1" {
		t.Errorf("recorded user = %q, want user-1", recordedUser)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"text":"hi"`) {
		t.Errorf("body missing forwarded delta event: %s", body)
	}
	if strings.Count(body, "data: ") != 2 {
		t.Errorf("expected 2 forwarded SSE frames, got body: %s", body)
	}
}

func TestForward_EmitsSyntheticCompletionOnZeroChunks(t *testing.T) {
	withFrozenClock(t, 2000)

	upstream := io.NopCloser(strings.NewReader("data: [DONE]\n\n"))
	rec := httptest.NewRecorder()

	err := Forward(context.Background(), rec, upstream, "user-1", "conv-1", "ai_assistant", nil)
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}

	body := rec.Body.String()
	payload := strings.TrimSpace(strings.TrimPrefix(body, "data:"))
	var event map[string]any
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		t.Fatalf("synthetic event not valid JSON: %s", body)
	}
	if event["event"] != "message_end" {
		t.Errorf("synthetic event = %+v, want event=message_end", event)
	}
}

func TestForward_StopsOnContextCancellation(t *testing.T) {
	withFrozenClock(t, 3000)

	// A reader that never reaches EOF on its own so we rely on the
	// ctx.Done() check to break the scan loop.
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("data: {\"event\":\"delta\"}\n\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	err := Forward(ctx, rec, io.NopCloser(pr), "user-1", "", "ai_assistant", nil)
	if err == nil {
		t.Fatalf("expected context cancellation error, got nil")
	}
}

var _ http.Flusher = (*httptest.ResponseRecorder)(nil)
var _ = bytes.MinRead
