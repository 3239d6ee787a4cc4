// Package stream forwards an upstream chat-completion stream to a
// downstream HTTP client as Server-Sent Events, reshaping each upstream
// line into a stamped JSON event and tracking usage for billing.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Usage is the token triple captured from an upstream message_end event.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecorder persists a usage row keyed by the request's identity.
// Persistence failures are logged, not surfaced — a billing write must
// never break an already-completed response.
type UsageRecorder func(ctx context.Context, userID, conversationID, endpoint string, usage Usage) error

// Forward reads line-delimited `data: ...` events from upstream and
// re-emits them to w as SSE, stamping each with a millisecond timestamp.
// It stops on an upstream `[DONE]`/`message_end` terminator, on downstream
// disconnect (ctx cancellation, which the caller should tie to upstream's
// own context so the provider connection is released promptly), or on EOF.
// If the stream closes having forwarded zero chunks, a synthetic completion
// event keeps the transport well-formed for clients that require one.
func Forward(ctx context.Context, w http.ResponseWriter, upstream io.ReadCloser, userID, conversationID, endpoint string, record UsageRecorder) error {
	defer upstream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("stream: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	forwarded := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 {
			continue
		}
		if string(payload) == "[DONE]" {
			break
		}

		var event map[string]any
		if err := json.Unmarshal(payload, &event); err != nil {
			slog.Warn("stream: malformed upstream event, skipping", "error", err)
			continue
		}
		event["ts"] = nowMillis()

		if err := writeEvent(w, flusher, event); err != nil {
			return err
		}
		forwarded++

		if isTerminal(event) {
			if usage, ok := extractUsage(event); ok && record != nil {
				if err := record(ctx, userID, conversationID, endpoint, usage); err != nil {
					slog.Warn("stream: recording usage failed (best-effort)", "error", err)
				}
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: reading upstream: %w", err)
	}

	if forwarded == 0 {
		return writeEvent(w, flusher, map[string]any{
			"event": "message_end",
			"ts":    nowMillis(),
		})
	}
	return nil
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stream: marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("stream: writing to client: %w", err)
	}
	flusher.Flush()
	return nil
}

func isTerminal(event map[string]any) bool {
	ev, _ := event["event"].(string)
	return ev == "message_end" || strings.EqualFold(ev, "done")
}

func extractUsage(event map[string]any) (Usage, bool) {
	meta, ok := event["metadata"].(map[string]any)
	if !ok {
		return Usage{}, false
	}
	usage, ok := meta["usage"].(map[string]any)
	if !ok {
		return Usage{}, false
	}
	return Usage{
		PromptTokens:     intField(usage, "prompt_tokens"),
		CompletionTokens: intField(usage, "completion_tokens"),
		TotalTokens:      intField(usage, "total_tokens"),
	}, true
}

func intField(m map[string]any, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}

// nowMillis is the only place this package reads the clock, so stamping
// can be swapped in tests without monkeypatching time.Now globally.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
