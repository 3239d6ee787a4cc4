package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindspring/knowledgebase/llm"
	"github.com/mindspring/knowledgebase/stream"
)

// POST /api/ai_assistant/stream  body {message, user_id, conversation_id?, files?, inputs?}
func (h *handler) handleAssistantStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message        string `json:"message"`
		UserID         string `json:"user_id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "message and user_id are required")
		return
	}

	sp, ok := h.engine.Chat().(llm.StreamingProvider)
	if !ok {
		writeError(w, http.StatusNotImplemented, "the configured chat provider does not support streaming")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	upstream, err := sp.ChatStream(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: req.Message}},
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "starting stream failed")
		slog.Error("ai_assistant/stream: upstream start failed", "error", err)
		return
	}

	record := func(ctx context.Context, userID, conversationID, endpoint string, usage stream.Usage) error {
		slog.Info("ai_assistant/stream: usage", "user_id", userID, "conversation_id", conversationID,
			"endpoint", endpoint, "prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens, "total_tokens", usage.TotalTokens)
		return nil
	}

	if err := stream.Forward(ctx, w, upstream, req.UserID, req.ConversationID, "ai_assistant", record); err != nil {
		slog.Warn("ai_assistant/stream: forwarding ended early", "error", err)
	}
}
