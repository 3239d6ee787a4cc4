package knowledgebase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mindspring/knowledgebase/cache"
	"github.com/mindspring/knowledgebase/chunker"
	"github.com/mindspring/knowledgebase/clean"
	"github.com/mindspring/knowledgebase/graph"
	"github.com/mindspring/knowledgebase/llm"
	"github.com/mindspring/knowledgebase/parser"
	"github.com/mindspring/knowledgebase/ratelimit"
	"github.com/mindspring/knowledgebase/retrieval"
	"github.com/mindspring/knowledgebase/store"
)

// allowedUploadFormats is the MIME/extension allow-list admission enforces
// before a file is ever parsed. Legacy formats are always admitted; without
// LlamaParse configured they fail at parse time (LegacyParser). Image
// formats parse only when a vision provider is configured; otherwise they
// pass admission but fail at parser.Registry.Get with a clear error.
var allowedUploadFormats = map[string]bool{
	"pdf": true, "docx": true, "xlsx": true, "pptx": true, "txt": true,
	"doc": true, "xls": true, "ppt": true,
	"png": true, "jpg": true, "jpeg": true, "gif": true, "bmp": true, "tiff": true, "tif": true,
}

// imageFormats lists the extensions ImageParser handles; registered against
// the vision provider when one is configured.
var imageFormats = []string{"png", "jpg", "jpeg", "gif", "bmp", "tiff", "tif"}

// Engine is the central orchestrator binding every component package —
// providers, rate limiting, parsing, cleaning, chunking, the vector/keyword
// store, and graph construction — into the per-tenant document lifecycle
// (admission, processing, partial reindex, rollback, batches). cmd/server's
// HTTP handlers and the jobs package's workers both call into an Engine;
// Engine itself holds no knowledge of HTTP or of how work gets scheduled.
type Engine struct {
	cfg Config

	store *store.Store

	chat     llm.Provider
	embed    *llm.Gateway
	vision   llm.Provider
	reranker llm.Provider

	parsers   *parser.Registry
	chunkr    *chunker.Chunker
	retriever *retrieval.Engine
	qcache    *cache.QueryCache
	rdb       *redis.Client

	embedModel    string
	embedProvider string

	poolsMu sync.Mutex
	pools   map[string]*ratelimit.Pool
}

// New builds an Engine from cfg: opens the store, constructs every provider
// (single-route or load-balanced per cfg.Routes), the parser registry, the
// chunker, and the hybrid retrieval engine.
func New(cfg Config) (*Engine, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "space_"
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	strategy := cfg.LoadBalancingStrategy
	if !cfg.LoadBalancingEnabled {
		strategy = ""
	}

	chatP, err := buildProvider("chat", cfg.Chat, cfg.Routes["chat"], cfg.ProviderLimits, rdb, strategy)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}
	embedP, err := buildProvider("embedding", cfg.Embedding, cfg.Routes["embedding"], cfg.ProviderLimits, rdb, strategy)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var visionP llm.Provider
	if cfg.Vision.Provider != "" {
		visionP, err = buildProvider("vision", cfg.Vision, cfg.Routes["vision"], cfg.ProviderLimits, rdb, strategy)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating vision provider: %w", err)
		}
	}

	var rerankP llm.Provider
	if cfg.Rerank.Provider != "" {
		rerankP, err = buildProvider("rerank", cfg.Rerank, cfg.Routes["rerank"], cfg.ProviderLimits, rdb, strategy)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating rerank provider: %w", err)
		}
	}

	reg := parser.NewRegistry()
	reg.Register("txt", &parser.TextParser{})
	if cfg.LlamaParse != nil {
		reg.SetLlamaParse(parser.LlamaParseConfig{APIKey: cfg.LlamaParse.APIKey, BaseURL: cfg.LlamaParse.BaseURL})
	} else {
		// Legacy binary formats (doc/xls/ppt) have no native Go parser in this
		// stack; without LlamaParse configured they map to LegacyParser,
		// which fails every parse with an error asking for LlamaParse.
		reg.Register("doc", &parser.LegacyParser{})
		reg.Register("xls", &parser.LegacyParser{})
		reg.Register("ppt", &parser.LegacyParser{})
	}
	if visionP != nil {
		imgParser := parser.NewImageParser(visionP, imageFormats)
		for _, f := range imageFormats {
			reg.Register(f, imgParser)
		}
	}

	chunkSize, _ := clampChunkSize(cfg.ChunkSize)
	chunkr := chunker.New(chunker.Config{MaxTokens: chunkSize, Overlap: cfg.ChunkOverlap})

	retriever := retrieval.New(s, embedP, rerankP, retrieval.Config{
		WeightVector: cfg.HybridVectorWeight,
		WeightFTS:    cfg.HybridKeywordWeight,
		WeightGraph:  cfg.WeightGraph,
		RerankMode:   cfg.RerankingMode,
	})

	return &Engine{
		cfg:           cfg,
		store:         s,
		chat:          chatP,
		embed:         llm.NewGateway(embedP, cfg.Embedding.Model),
		vision:        visionP,
		reranker:      rerankP,
		parsers:       reg,
		chunkr:        chunkr,
		retriever:     retriever,
		qcache:        cache.New(cfg.RedisAddr, cache.DefaultQueryTTL),
		rdb:           rdb,
		embedModel:    cfg.Embedding.Model,
		embedProvider: cfg.Embedding.Provider,
		pools:         make(map[string]*ratelimit.Pool),
	}, nil
}

// buildProvider constructs either a single Provider (no routes configured
// for this alias) or a load-balanced llm.Router fronting every route,
// each bounded by its own QPM/concurrency pool per cfg.ProviderLimits.
func buildProvider(alias string, single LLMConfig, routes []RouteConfig, limits map[string]QPMConfig, rdb *redis.Client, strategy string) (llm.Provider, error) {
	if len(routes) == 0 {
		if single.Provider == "" {
			return nil, fmt.Errorf("no provider configured for %s", alias)
		}
		return llm.NewProvider(llm.Config{
			Provider: single.Provider, Model: single.Model, BaseURL: single.BaseURL, APIKey: single.APIKey,
		})
	}

	targets := make(map[string]llm.RouteTarget, len(routes))
	selectorRoutes := make([]ratelimit.Route, len(routes))
	for i, r := range routes {
		p, err := llm.NewProvider(llm.Config{
			Provider: r.LLM.Provider, Model: r.LLM.Model, BaseURL: r.LLM.BaseURL, APIKey: r.LLM.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("route %s/%s: %w", alias, r.Vendor, err)
		}
		var pool *ratelimit.Pool
		if qpm, ok := limits[r.Vendor]; ok {
			pool = ratelimit.NewPool(r.Vendor, ratelimit.PoolConfig{
				QPMLimit: qpm.QPMLimit, ConcurrentLimit: qpm.ConcurrentLimit,
			}, rdb)
		}
		targets[r.Vendor] = llm.RouteTarget{Provider: p, Pool: pool}
		selectorRoutes[i] = ratelimit.Route{Vendor: r.Vendor, Weight: r.Weight}
	}
	return llm.NewRouter(strategy, selectorRoutes, targets), nil
}

// Store returns the underlying store for diagnostic/debug endpoints.
func (e *Engine) Store() *store.Store { return e.store }

// Chat returns the chat provider (single-route or Router) for callers that
// need raw streaming access, e.g. the SSE assistant endpoint.
func (e *Engine) Chat() llm.Provider { return e.chat }

// Retriever returns the hybrid retrieval engine for /knowledge-space/retrieval-test.
func (e *Engine) Retriever() *retrieval.Engine { return e.retriever }

// QueryCache returns the shared query-result cache.
func (e *Engine) QueryCache() *cache.QueryCache { return e.qcache }

// Close shuts down the engine's store connection.
func (e *Engine) Close() error { return e.store.Close() }

// Tenant derives the per-space vector-collection/rate-limit key.
func (e *Engine) Tenant(spaceID int64) string {
	return fmt.Sprintf("%s%d", e.cfg.CollectionPrefix, spaceID)
}

// EnsureSpace returns the caller's knowledge space id, creating one if absent.
func (e *Engine) EnsureSpace(ctx context.Context, userID string) (int64, error) {
	return e.store.EnsureSpace(ctx, userID)
}

// spacePool lazily creates the named per-tenant rate-limit pool (retrieval
// RPM, embedding RPM, or upload/hour), so each kind+space combination shares
// one sliding window across calls instead of resetting per request.
func (e *Engine) spacePool(kind string, spaceID int64, limit int, window time.Duration) *ratelimit.Pool {
	key := fmt.Sprintf("%s:%d", kind, spaceID)
	e.poolsMu.Lock()
	defer e.poolsMu.Unlock()
	if p, ok := e.pools[key]; ok {
		return p
	}
	p := ratelimit.NewPool(key, ratelimit.PoolConfig{QPMLimit: limit, ConcurrentLimit: 0, Window: window}, e.rdb)
	e.pools[key] = p
	return p
}

func (e *Engine) uploadPool(spaceID int64) *ratelimit.Pool {
	return e.spacePool("kb_upload", spaceID, e.cfg.KBUploadPerHour, time.Hour)
}

func (e *Engine) embeddingPool(spaceID int64) *ratelimit.Pool {
	return e.spacePool("kb_embedding", spaceID, e.cfg.KBEmbeddingRPM, time.Minute)
}

// RetrievalPool returns the per-tenant retrieval-RPM pool for HTTP handlers
// to gate /knowledge-space/retrieval-test and query endpoints.
func (e *Engine) RetrievalPool(spaceID int64) *ratelimit.Pool {
	return e.spacePool("kb_retrieval", spaceID, e.cfg.KBRetrievalRPM, time.Minute)
}

// --- Admission ---

// admitUpload enforces spec.md §4.9's admission rules before any bytes are
// written: file-size cap, per-space document cap, and a format allow-list.
// Filename-uniqueness-within-a-space is enforced by CreateDocument's UNIQUE
// constraint instead, so a race between two concurrent uploads of the same
// name always surfaces as a conflict rather than silently double-admitting.
func (e *Engine) admitUpload(ctx context.Context, spaceID int64, fileName string, size int64) (format string, err error) {
	if e.cfg.MaxFileSize > 0 && size > e.cfg.MaxFileSize {
		return "", NewError(KindFileTooLarge, fmt.Sprintf("file exceeds %d byte limit", e.cfg.MaxFileSize), ErrFileTooLarge)
	}

	format = strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if !allowedUploadFormats[format] {
		return "", NewError(KindUnsupportedType, "unsupported file format: "+format, ErrUnsupportedFormat)
	}

	maxDocs := e.cfg.MaxDocumentsPerUser
	if maxDocs <= 0 {
		maxDocs = 5
	}
	n, err := e.store.CountDocuments(ctx, spaceID)
	if err != nil {
		return "", fmt.Errorf("counting documents: %w", err)
	}
	if n >= maxDocs {
		return "", NewError(KindQuotaExceeded, "document limit reached for this space", ErrTooManyDocuments)
	}

	if pool := e.uploadPool(spaceID); pool != nil {
		release, err := tryAcquire(ctx, pool)
		if err != nil {
			return "", NewError(KindRateLimited, "upload rate limit exceeded", ErrRateLimited)
		}
		release()
	}

	return format, nil
}

// tryAcquire wraps Pool.Acquire with an already-cancelled-looking context so
// a blown hourly budget fails fast as a 429 instead of the caller hanging
// for up to an hour waiting for headroom.
func tryAcquire(ctx context.Context, pool *ratelimit.Pool) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	return pool.Acquire(acquireCtx)
}

// --- Upload ---

// UploadDocument admits and persists a single file, creating its document
// row in "pending" status and writing its bytes to storage, but does not
// run the processing pipeline — callers (cmd/server directly, or the jobs
// package on a worker) invoke ProcessDocument afterward.
func (e *Engine) UploadDocument(ctx context.Context, spaceID int64, fileName string, content []byte) (*store.Document, error) {
	format, err := e.admitUpload(ctx, spaceID, fileName, int64(len(content)))
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])

	docID, err := e.store.CreateDocument(ctx, store.Document{
		SpaceID:     spaceID,
		FileName:    fileName,
		FileType:    format,
		FileSize:    int64(len(content)),
		Status:      "pending",
		ContentHash: contentHash,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, NewError(KindConflict, "a document with this name already exists", err)
		}
		return nil, fmt.Errorf("creating document: %w", err)
	}

	path, err := e.writeStorageBytes(spaceID, docID, fileName, content)
	if err != nil {
		e.store.MarkDocumentFailed(ctx, docID, err.Error())
		return nil, fmt.Errorf("writing storage bytes: %w", err)
	}
	if err := e.store.UpdateDocumentStoragePath(ctx, docID, path); err != nil {
		return nil, fmt.Errorf("recording storage path: %w", err)
	}

	slog.Info("ingest: document admitted", "space_id", spaceID, "doc_id", docID, "file", fileName, "format", format, "bytes", len(content))
	return e.store.GetDocument(ctx, docID)
}

// writeStorageBytes lays out document bytes at storage/<tenant>/<doc_id>_<filename>,
// sanitizing the filename so a crafted name can't traverse outside the
// tenant's directory.
func (e *Engine) writeStorageBytes(spaceID, docID int64, fileName string, content []byte) (string, error) {
	dir := filepath.Join(e.cfg.resolveStorageRoot(), e.Tenant(spaceID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	safe := filepath.Base(fileName)
	path := filepath.Join(dir, fmt.Sprintf("%d_%s", docID, safe))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Engine) versionStoragePath(spaceID, docID int64, version int, fileName string) string {
	dir := filepath.Join(e.cfg.resolveStorageRoot(), e.Tenant(spaceID), "versions", fmt.Sprintf("%d", docID))
	return filepath.Join(dir, fmt.Sprintf("v%d_%s", version, filepath.Base(fileName)))
}

// --- Batches ---

// UploadBatch admits every file, creating document rows under a shared
// batch id, and returns the new document ids for the caller (cmd/server or
// the jobs runner) to dispatch ProcessDocument calls for. Admission failures
// for individual files do not abort the batch; they're recorded as failed
// batch-job results immediately so the batch's counters stay consistent.
func (e *Engine) UploadBatch(ctx context.Context, spaceID int64, files map[string][]byte) (batchID string, docIDs []int64, err error) {
	if len(files) == 0 {
		return "", nil, fmt.Errorf("batch upload: no files provided")
	}
	batchID = uuid.NewString()
	if err := e.store.CreateBatch(ctx, batchID, spaceID, len(files)); err != nil {
		return "", nil, fmt.Errorf("creating batch: %w", err)
	}

	for name, content := range files {
		doc, uerr := e.UploadDocument(ctx, spaceID, name, content)
		if uerr != nil {
			slog.Warn("batch upload: admission failed", "batch_id", batchID, "file", name, "error", uerr)
			_ = e.store.RecordBatchJobResult(ctx, batchID, false)
			continue
		}
		docIDs = append(docIDs, doc.ID)
	}
	return batchID, docIDs, nil
}

// RecordBatchCompletion is called by the jobs package after each batch
// member finishes processing (success or failure) to advance the batch's
// counters and status.
func (e *Engine) RecordBatchCompletion(ctx context.Context, batchID string, succeeded bool) error {
	return e.store.RecordBatchJobResult(ctx, batchID, succeeded)
}

// GetBatch returns a batch's counters and status for the upload-batch
// status endpoint.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*store.Batch, error) {
	return e.store.GetBatch(ctx, batchID)
}

// ListDocuments returns every document in a knowledge space.
func (e *Engine) ListDocuments(ctx context.Context, spaceID int64) ([]store.Document, error) {
	return e.store.ListDocuments(ctx, spaceID)
}

// GetDocument returns one document by id.
func (e *Engine) GetDocument(ctx context.Context, docID int64) (*store.Document, error) {
	return e.store.GetDocument(ctx, docID)
}

// --- Processing pipeline ---

// maxEmbedChars caps how much text goes into a single embedding call; most
// embedding models have an ~8192 token context window, and ~24000 chars
// (~6000 tokens) leaves headroom for tokenizers that run denser than English.
const maxEmbedChars = 24000

func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// ProcessDocument runs the full pipeline for a pending or reprocessing
// document: parse, clean, chunk (falling back to a single whole-text chunk
// if cleaning/chunking yields nothing, per the zero-chunk Open Question
// decision), embed (cache-checked), insert chunks, write vectors, and build
// the knowledge graph. Any failure marks the document failed with the
// triggering error recorded; this is the unit of work the jobs package
// retries with backoff.
func (e *Engine) ProcessDocument(ctx context.Context, docID int64) error {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", docID, err)
	}

	if perr := e.runPipeline(ctx, doc, chunker.StructureGeneral); perr != nil {
		e.store.MarkDocumentFailed(ctx, docID, perr.Error())
		return perr
	}
	return nil
}

// runPipeline is shared by ProcessDocument (fresh ingest) and
// ReindexDocument (content-changed re-ingest with a per-chunk diff).
func (e *Engine) runPipeline(ctx context.Context, doc *store.Document, mode chunker.StructureMode) error {
	e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "extracting", 10)

	p, err := e.parsers.Get(doc.FileType)
	if err != nil {
		return NewError(KindUnsupportedType, "no parser registered for "+doc.FileType, err)
	}
	parsed, err := p.Parse(ctx, doc.StoragePath)
	if err != nil {
		return NewError(KindExtractionFailed, "document parsing failed", err)
	}

	e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "cleaning", 30)
	sections := clean.Sections(parsed.Sections, clean.DefaultOptions())

	engine, modeMismatch := chunker.SelectEngine(e.cfg.ChunkingEngine, mode)
	var modeMismatchWarning string
	if modeMismatch {
		modeMismatchWarning = "custom structure mode requested with the LLM chunking engine; fell back to the fast engine"
	}

	e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "chunking", 45)
	var chunks []store.Chunk
	if engine == chunker.EngineLLM {
		chunks, err = chunker.ChunkLLM(ctx, e.chat, chunker.Config{MaxTokens: mustChunkSize(e.cfg), Overlap: e.cfg.ChunkOverlap}, sections)
		if err != nil {
			return NewError(KindChunkingFailed, "LLM chunking failed", err)
		}
	} else {
		chunks = e.chunkr.Chunk(sections)
	}

	// Zero-chunk-after-cleaning fallback (Open Question 1): a document whose
	// cleaned text is non-empty but produced no chunks still succeeds, as one
	// whole-text chunk, rather than failing the ingestion outright.
	if len(chunks) == 0 {
		var whole strings.Builder
		for _, sec := range sections {
			whole.WriteString(sec.Content)
			whole.WriteString("\n")
		}
		text := strings.TrimSpace(whole.String())
		if text == "" {
			return NewError(KindExtractionFailed, "document produced no extractable text", nil)
		}
		chunks = []store.Chunk{{
			Content:    text,
			ChunkType:  "section",
			ChunkIndex: 0,
			EndChar:    len(text),
			TokenCount: estimateTokensRough(text),
		}}
	}

	maxChunks := e.cfg.MaxChunksPerUser
	if maxChunks > 0 && len(chunks) > maxChunks {
		return NewError(KindChunkingFailed, fmt.Sprintf("document would produce %d chunks, exceeding the %d cap", len(chunks), maxChunks), nil)
	}

	for i := range chunks {
		chunks[i].DocumentID = doc.ID
		chunks[i].SpaceID = doc.SpaceID
	}

	// Existing chunks/vectors for this document (if any — a reindex) are
	// cleared before the fresh set is inserted; callers that need the
	// finer-grained kept/updated/deleted/added diff call ReindexDocument
	// instead, which never reaches this full-replace path.
	tenant := e.Tenant(doc.SpaceID)
	if doc.ChunkCount > 0 {
		if err := e.store.DeletePointsByDocument(ctx, tenant, doc.ID); err != nil {
			return fmt.Errorf("clearing old vectors: %w", err)
		}
	}

	e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "embedding", 65)
	chunkIDs, err := e.embedAndInsertChunks(ctx, doc.SpaceID, chunks)
	if err != nil {
		return err
	}

	if !e.cfg.SkipGraph {
		e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "graph", 85)
		gb := graph.NewBuilder(e.store, doc.SpaceID, e.chat, e.embed, e.cfg.GraphConcurrency)
		if err := gb.Build(ctx, doc.ID, chunks, chunkIDs); err != nil {
			slog.Warn("ingest: graph build had errors (non-fatal)", "doc_id", doc.ID, "error", err)
		}
		if communities, err := graph.DetectCommunities(ctx, e.store, doc.SpaceID); err != nil {
			slog.Warn("ingest: community detection failed (non-fatal)", "error", err)
		} else if len(communities) > 0 {
			if err := graph.SummarizeCommunities(ctx, e.store, doc.SpaceID, e.chat, communities); err != nil {
				slog.Warn("ingest: community summarization failed (non-fatal)", "error", err)
			}
		}
	}

	return e.store.CompleteDocument(ctx, doc.ID, len(chunks), doc.ContentHash, modeMismatchWarning)
}

func mustChunkSize(cfg Config) int {
	size, _ := clampChunkSize(cfg.ChunkSize)
	return size
}

func estimateTokensRough(text string) int {
	return (len(strings.Fields(text))*13 + 9) / 10
}

// embedAndInsertChunks generates embeddings for chunks (consulting the
// document embedding cache first) and then inserts the chunk rows together
// with their vector points in a single transaction (Store.InsertChunksAndPoints),
// so a vector-write failure rolls the chunk inserts back with it instead of
// committing orphaned chunk rows for a document that ends up `failed`
// (spec.md §4.9 step 6 / §5's ordering invariant). The embedding call itself
// runs before the transaction opens, since a network call must never hold a
// DB transaction open.
func (e *Engine) embedAndInsertChunks(ctx context.Context, spaceID int64, chunks []store.Chunk) ([]int64, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		prefix := ""
		if c.Heading != "" {
			prefix = c.Heading + ": "
		}
		texts[i] = truncateForEmbed(prefix + c.Content)
	}

	vectors, err := e.embedTexts(ctx, spaceID, texts)
	if err != nil {
		return nil, NewError(KindEmbedInvalidVector, "embedding failed", err)
	}

	anyEmbedded := false
	for i, v := range vectors {
		if v == nil {
			slog.Warn("ingest: chunk embedding missing, vector point will be skipped", "chunk_index", chunks[i].ChunkIndex)
			continue
		}
		anyEmbedded = true
	}
	if !anyEmbedded {
		return nil, NewError(KindEmbedInvalidVector, "all chunks failed embedding", fmt.Errorf("all %d chunks failed embedding", len(chunks)))
	}

	ids, err := e.store.InsertChunksAndPoints(ctx, e.Tenant(spaceID), e.cfg.EmbeddingDim, chunks, vectors)
	if err != nil {
		return nil, NewError(KindStoreWriteFailed, "inserting chunks and vectors failed", err)
	}
	return ids, nil
}

// embedTexts resolves each text against the permanent document embedding
// cache first (validating cached vectors before trusting them), then embeds
// the cache misses as one batch through the Gateway (which L2-normalizes
// and validates every fresh vector), gated by the tenant's embedding-RPM
// pool. Cache misses are written back best-effort.
func (e *Engine) embedTexts(ctx context.Context, spaceID int64, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	hashes := make([]string, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		h := sha256.Sum256([]byte(t))
		hashes[i] = hex.EncodeToString(h[:])
		v, ok, err := e.store.GetCachedEmbedding(ctx, e.embedModel, e.embedProvider, hashes[i])
		if err == nil && ok && cache.ValidateVector(v) == nil {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	pool := e.embeddingPool(spaceID)
	release, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	defer release()

	vecs, err := e.embed.Embed(ctx, missTexts)
	if err != nil {
		// Fall back to per-text embedding so one oversized/invalid text
		// doesn't sink the whole batch.
		var failed int
		for j, t := range missTexts {
			single, serr := e.embed.Embed(ctx, []string{t})
			if serr != nil || len(single) == 0 {
				failed++
				continue
			}
			idx := missIdx[j]
			out[idx] = single[0]
			_ = e.store.PutCachedEmbedding(ctx, e.embedModel, e.embedProvider, hashes[idx], single[0])
		}
		if failed == len(missTexts) {
			return nil, fmt.Errorf("embedding batch and per-text fallback both failed: %w", err)
		}
		return out, nil
	}

	for j, v := range vecs {
		idx := missIdx[j]
		out[idx] = v
		_ = e.store.PutCachedEmbedding(ctx, e.embedModel, e.embedProvider, hashes[idx], v)
	}
	return out, nil
}

// --- Partial reindex ---

// ReindexDocument replaces a document's stored bytes with newContent and
// performs a per-chunk_index diff against the new chunking result: chunks
// whose content hash is unchanged are left alone, changed ones are updated
// in place (same chunk id, same vector point id), removed indices are
// deleted (chunks + vector points), and new indices are inserted fresh. A
// DocumentVersion snapshot of the prior bytes is written first so the
// change is always reversible via Rollback.
func (e *Engine) ReindexDocument(ctx context.Context, docID int64, newContent []byte) error {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", docID, err)
	}

	newHash := sha256.Sum256(newContent)
	newContentHash := hex.EncodeToString(newHash[:])
	if newContentHash == doc.ContentHash {
		return nil // no change
	}

	if err := e.snapshotVersion(ctx, doc, "pre-reindex snapshot"); err != nil {
		return fmt.Errorf("snapshotting prior version: %w", err)
	}

	path, err := e.writeStorageBytes(doc.SpaceID, doc.ID, doc.FileName, newContent)
	if err != nil {
		return fmt.Errorf("writing updated bytes: %w", err)
	}
	if err := e.store.UpdateDocumentStoragePath(ctx, doc.ID, path); err != nil {
		return fmt.Errorf("updating storage path: %w", err)
	}
	doc.ContentHash = newContentHash
	doc.StoragePath = path

	e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "extracting", 10)
	p, err := e.parsers.Get(doc.FileType)
	if err != nil {
		return NewError(KindUnsupportedType, "no parser registered for "+doc.FileType, err)
	}
	parsed, err := p.Parse(ctx, doc.StoragePath)
	if err != nil {
		return NewError(KindExtractionFailed, "document parsing failed", err)
	}
	sections := clean.Sections(parsed.Sections, clean.DefaultOptions())

	engine, _ := chunker.SelectEngine(e.cfg.ChunkingEngine, chunker.StructureGeneral)
	e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "chunking", 30)
	var newChunks []store.Chunk
	if engine == chunker.EngineLLM {
		newChunks, err = chunker.ChunkLLM(ctx, e.chat, chunker.Config{MaxTokens: mustChunkSize(e.cfg), Overlap: e.cfg.ChunkOverlap}, sections)
		if err != nil {
			return NewError(KindChunkingFailed, "LLM chunking failed", err)
		}
	} else {
		newChunks = e.chunkr.Chunk(sections)
	}
	for i := range newChunks {
		newChunks[i].DocumentID = doc.ID
		newChunks[i].SpaceID = doc.SpaceID
	}

	oldHashes, err := e.store.ChunkHashesByIndex(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("loading existing chunk hashes: %w", err)
	}

	var toAdd []store.Chunk
	var toUpdate []store.Chunk
	var keptOrUpdatedIdx = make(map[int]bool, len(newChunks))
	for _, c := range newChunks {
		keptOrUpdatedIdx[c.ChunkIndex] = true
		oldHash, existed := oldHashes[c.ChunkIndex]
		newHash := contentHashOf(c.Content)
		switch {
		case !existed:
			toAdd = append(toAdd, c)
		case oldHash != newHash:
			toUpdate = append(toUpdate, c)
		default:
			// kept — no-op.
		}
	}
	var toDelete []int
	for idx := range oldHashes {
		if !keptOrUpdatedIdx[idx] {
			toDelete = append(toDelete, idx)
		}
	}

	e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "embedding", 60)
	tenant := e.Tenant(doc.SpaceID)

	if len(toDelete) > 0 {
		deletedIDs, err := e.store.DeleteChunksByIndices(ctx, doc.ID, toDelete)
		if err != nil {
			return fmt.Errorf("deleting removed chunks: %w", err)
		}
		if err := e.store.DeletePointsByChunkIDs(ctx, tenant, deletedIDs); err != nil {
			return fmt.Errorf("deleting removed vector points: %w", err)
		}
	}

	if len(toUpdate) > 0 {
		texts := make([]string, len(toUpdate))
		for i, c := range toUpdate {
			prefix := ""
			if c.Heading != "" {
				prefix = c.Heading + ": "
			}
			texts[i] = truncateForEmbed(prefix + c.Content)
		}
		vecs, err := e.embedTexts(ctx, doc.SpaceID, texts)
		if err != nil {
			return fmt.Errorf("re-embedding updated chunks: %w", err)
		}
		var points []store.VectorPoint
		for i, c := range toUpdate {
			id, err := e.store.UpsertChunkAtIndex(ctx, doc.ID, c.ChunkIndex, c)
			if err != nil {
				return fmt.Errorf("updating chunk %d: %w", c.ChunkIndex, err)
			}
			if vecs[i] != nil {
				points = append(points, store.VectorPoint{ChunkID: id, Embedding: vecs[i]})
			}
		}
		if len(points) > 0 {
			if err := e.store.UpsertPoints(ctx, tenant, points); err != nil {
				return fmt.Errorf("writing updated vector points: %w", err)
			}
		}
	}

	if len(toAdd) > 0 {
		if _, err := e.embedAndInsertChunks(ctx, doc.SpaceID, toAdd); err != nil {
			return fmt.Errorf("embedding added chunks: %w", err)
		}
	}

	if !e.cfg.SkipGraph && (len(toAdd) > 0 || len(toUpdate) > 0) {
		e.store.UpdateDocumentProgress(ctx, doc.ID, "processing", "graph", 85)
		changed := append(append([]store.Chunk{}, toAdd...), toUpdate...)
		changedIDs, err := e.store.ChunkIDsByIndices(ctx, doc.ID, indicesOf(changed))
		if err == nil && len(changedIDs) == len(changed) {
			gb := graph.NewBuilder(e.store, doc.SpaceID, e.chat, e.embed, e.cfg.GraphConcurrency)
			if err := gb.Build(ctx, doc.ID, changed, changedIDs); err != nil {
				slog.Warn("reindex: graph build had errors (non-fatal)", "doc_id", doc.ID, "error", err)
			}
		}
	}

	remaining, err := e.store.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("counting chunks: %w", err)
	}
	total := len(remaining)
	if _, err := e.store.BumpDocumentVersion(ctx, doc.ID); err != nil {
		return fmt.Errorf("bumping document version: %w", err)
	}
	return e.store.CompleteDocument(ctx, doc.ID, total, newContentHash, "")
}

func contentHashOf(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func indicesOf(chunks []store.Chunk) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = c.ChunkIndex
	}
	return out
}

// snapshotVersion records the document's current bytes as a new
// DocumentVersion row before they're overwritten by a reindex or rollback.
func (e *Engine) snapshotVersion(ctx context.Context, doc *store.Document, summary string) error {
	versionNum, err := e.currentVersion(ctx, doc.ID)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(doc.StoragePath)
	if err != nil {
		return fmt.Errorf("reading current bytes: %w", err)
	}
	snapshotPath := e.versionStoragePath(doc.SpaceID, doc.ID, versionNum, doc.FileName)
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(snapshotPath, content, 0o644); err != nil {
		return err
	}
	_, err = e.store.InsertDocumentVersion(ctx, store.DocumentVersion{
		DocumentID:    doc.ID,
		VersionNumber: versionNum,
		StoragePath:   snapshotPath,
		ContentHash:   doc.ContentHash,
		ChunkCount:    doc.ChunkCount,
		ChangeSummary: summary,
	})
	return err
}

func (e *Engine) currentVersion(ctx context.Context, docID int64) (int, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	if doc.Version == 0 {
		return 1, nil
	}
	return doc.Version, nil
}

// --- Rollback ---

// RollbackDocument restores a document to a previously snapshotted version's
// bytes and re-runs the full processing pipeline against them. Per Open
// Question 2, the pre-rollback bytes are themselves snapshotted first, so
// every rollback is itself reversible.
func (e *Engine) RollbackDocument(ctx context.Context, docID int64, toVersion int) error {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", docID, err)
	}
	target, err := e.store.GetDocumentVersion(ctx, docID, toVersion)
	if err != nil {
		return fmt.Errorf("loading version %d: %w", toVersion, err)
	}

	if err := e.snapshotVersion(ctx, doc, fmt.Sprintf("pre-rollback snapshot (rolling back to v%d)", toVersion)); err != nil {
		return fmt.Errorf("snapshotting pre-rollback bytes: %w", err)
	}

	content, err := os.ReadFile(target.StoragePath)
	if err != nil {
		return fmt.Errorf("reading version %d bytes: %w", toVersion, err)
	}

	if err := e.store.DeletePointsByDocument(ctx, e.Tenant(doc.SpaceID), doc.ID); err != nil {
		return fmt.Errorf("clearing vectors before rollback: %w", err)
	}

	path, err := e.writeStorageBytes(doc.SpaceID, doc.ID, doc.FileName, content)
	if err != nil {
		return fmt.Errorf("restoring version bytes: %w", err)
	}
	if err := e.store.UpdateDocumentStoragePath(ctx, doc.ID, path); err != nil {
		return err
	}
	doc.StoragePath = path
	doc.ContentHash = target.ContentHash

	if err := e.runPipeline(ctx, doc, chunker.StructureGeneral); err != nil {
		e.store.MarkDocumentFailed(ctx, doc.ID, err.Error())
		return err
	}
	_, err = e.store.BumpDocumentVersion(ctx, doc.ID)
	return err
}

// ListDocumentVersions returns a document's version history for the
// /knowledge-space/documents/{id}/versions endpoint.
func (e *Engine) ListDocumentVersions(ctx context.Context, docID int64) ([]store.DocumentVersion, error) {
	return e.store.ListDocumentVersions(ctx, docID)
}

// --- Deletion ---

// DeleteDocument removes a document's vectors, then its relational rows
// (chunks, versions, the document itself), then its on-disk bytes.
func (e *Engine) DeleteDocument(ctx context.Context, docID int64) error {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", docID, err)
	}
	if err := e.store.DeletePointsByDocument(ctx, e.Tenant(doc.SpaceID), doc.ID); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	if err := e.store.DeleteDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if doc.StoragePath != "" {
		_ = os.Remove(doc.StoragePath)
	}
	return nil
}

// GraphSnapshot is the payload POST /api/generate_graph returns for a
// diagram-rendering LLM: the entities and relationships extracted during
// ingestion (§4.9 indexing stage), plus any community summaries computed
// over them.
type GraphSnapshot struct {
	Entities      []store.Entity       `json:"entities"`
	Relationships []store.Relationship `json:"relationships"`
	Communities   []store.Community    `json:"communities,omitempty"`
}

// GenerateGraph returns the knowledge graph accumulated for a space so far.
// It does not re-run extraction; entities/relationships are populated as a
// side effect of the ingestion indexing sub-stage (runPipeline).
func (e *Engine) GenerateGraph(ctx context.Context, spaceID int64) (*GraphSnapshot, error) {
	entities, err := e.store.AllEntities(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	relationships, err := e.store.AllRelationships(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}
	communities, err := e.store.GetCommunities(ctx, spaceID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading communities: %w", err)
	}
	return &GraphSnapshot{Entities: entities, Relationships: relationships, Communities: communities}, nil
}
