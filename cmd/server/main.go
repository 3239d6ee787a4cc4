package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mindspring/knowledgebase"
	"github.com/mindspring/knowledgebase/jobs"
	"github.com/mindspring/knowledgebase/schedule"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := knowledgebase.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	if v := os.Getenv("KB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KB_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("KB_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("KB_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("KB_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("KB_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("KB_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("KB_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("KB_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("KB_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	if cfg.Chat.APIKey == "" {
		switch cfg.Chat.Provider {
		case "openai":
			cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Chat.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Embedding.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}

	apiKey := os.Getenv("KB_API_KEY")
	corsOrigins := os.Getenv("KB_CORS_ORIGINS")

	engine, err := knowledgebase.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	runner := jobs.NewRunner(cfg.JobWorkers, jobRunnerHandler(engine),
		func(ctx context.Context, batchID string, succeeded bool) {
			if err := engine.RecordBatchCompletion(ctx, batchID, succeeded); err != nil {
				slog.Warn("recording batch result failed", "batch_id", batchID, "error", err)
			}
		},
		func(j jobs.Job, err error) {
			slog.Error("job terminally failed", "doc_id", j.DocumentID, "op", j.Op, "error", err)
		},
	)
	defer runner.Stop()

	if cfg.LibraryAutoImportEnabled && cfg.LibraryAutoImportDir != "" {
		scheduleCtx, cancelSchedule := context.WithCancel(context.Background())
		defer cancelSchedule()
		go func() {
			spaceID, err := engine.EnsureSpace(scheduleCtx, "auto-import")
			if err != nil {
				slog.Error("auto-import: resolving space failed", "error", err)
				return
			}
			scanner := schedule.NewScanner(nil, cfg.LibraryAutoImportDir,
				time.Duration(cfg.LibraryAutoImportInterval)*time.Minute, spaceID,
				func(ctx context.Context, spaceID int64, fileName string, content []byte) error {
					doc, err := engine.UploadDocument(ctx, spaceID, fileName, content)
					if err != nil {
						return err
					}
					runner.Enqueue(jobs.Job{SpaceID: spaceID, DocumentID: doc.ID, Op: jobs.OpProcess})
					return nil
				})
			scanner.Run(scheduleCtx)
		}()
	}

	h := newHandler(engine, runner)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /knowledge-space/documents/upload", h.handleUpload)
	mux.HandleFunc("POST /knowledge-space/documents/batch-upload", h.handleBatchUpload)
	mux.HandleFunc("GET /knowledge-space/documents", h.handleListDocuments)
	mux.HandleFunc("GET /knowledge-space/documents/{id}", h.handleGetDocument)
	mux.HandleFunc("PUT /knowledge-space/documents/{id}", h.handleUpdateDocument)
	mux.HandleFunc("DELETE /knowledge-space/documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("GET /knowledge-space/documents/{id}/status", h.handleDocumentStatus)
	mux.HandleFunc("GET /knowledge-space/documents/{id}/chunks", h.handleDocumentChunks)
	mux.HandleFunc("POST /knowledge-space/documents/{id}/rollback", h.handleRollback)
	mux.HandleFunc("GET /knowledge-space/documents/{id}/versions", h.handleVersions)
	mux.HandleFunc("POST /knowledge-space/retrieval-test", h.handleRetrievalTest)
	mux.HandleFunc("POST /knowledge-space/evaluation/run", h.handleEvaluationRun)
	mux.HandleFunc("GET /knowledge-space/metrics/compression", h.handleCompressionMetrics)
	mux.HandleFunc("GET /knowledge-space/debug/qdrant-diagnostics", h.handleVectorDiagnostics)
	mux.HandleFunc("POST /api/ai_assistant/stream", h.handleAssistantStream)
	mux.HandleFunc("POST /api/generate_graph", h.handleGenerateGraph)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handlerChain http.Handler = mux
	handlerChain = logMiddleware(handlerChain)
	handlerChain = authMiddleware(apiKey, handlerChain)
	handlerChain = corsMiddleware(corsOrigins, handlerChain)
	handlerChain = recoveryMiddleware(handlerChain)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handlerChain,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// jobRunnerHandler adapts Engine's pipeline methods to jobs.Handler.
func jobRunnerHandler(engine *knowledgebase.Engine) jobs.Handler {
	return func(ctx context.Context, j jobs.Job) error {
		switch j.Op {
		case jobs.OpProcess:
			return engine.ProcessDocument(ctx, j.DocumentID)
		case jobs.OpReindex:
			return engine.ReindexDocument(ctx, j.DocumentID, j.Payload)
		case jobs.OpRollback:
			var version int
			if err := json.Unmarshal(j.Payload, &version); err != nil {
				return err
			}
			return engine.RollbackDocument(ctx, j.DocumentID, version)
		default:
			return nil
		}
	}
}
