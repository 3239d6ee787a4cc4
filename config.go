package knowledgebase

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the knowledge base engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.knowledgebase/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database and document blobs are written
	// when DBPath/StorageRoot are not explicitly set. "home" (default) uses
	// ~/.knowledgebase/, "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// StorageRoot is the base directory for persisted document bytes, laid
	// out as storage/<tenant>/<doc_id>_<filename> and
	// storage/<tenant>/versions/<doc_id>/v<n>_<filename>.
	StorageRoot string `json:"storage_root" yaml:"storage_root"`

	// CollectionPrefix is prepended to the tenant id to form the vector
	// collection name (vec_chunks_<prefix><tenant_id> in the sqlite-vec
	// adapter's naming; e.g. prefix "user_" + tenant "42" => "user_42").
	CollectionPrefix string `json:"collection_prefix" yaml:"collection_prefix"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`
	Vision    LLMConfig `json:"vision" yaml:"vision"`
	Rerank    LLMConfig `json:"rerank" yaml:"rerank"`

	// Route aliases map a logical name (qwen, deepseek, kimi, ...) to one or
	// more concrete vendor routes load-balanced by package ratelimit.
	Routes map[string][]RouteConfig `json:"routes" yaml:"routes"`

	// Retrieval
	DefaultRetrievalMethod string  `json:"default_retrieval_method" yaml:"default_retrieval_method"` // semantic|keyword|hybrid
	RerankingMode          string  `json:"reranking_mode" yaml:"reranking_mode"`                      // reranking_model|weighted_score|none
	HybridVectorWeight     float64 `json:"hybrid_vector_weight" yaml:"hybrid_vector_weight"`
	HybridKeywordWeight    float64 `json:"hybrid_keyword_weight" yaml:"hybrid_keyword_weight"`
	WeightGraph            float64 `json:"weight_graph" yaml:"weight_graph"`

	// Chunking
	ChunkSize          int    `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap       int    `json:"chunk_overlap" yaml:"chunk_overlap"`
	ChunkingEngine     string `json:"chunking_engine" yaml:"chunking_engine"` // semchunk|mindchunk
	MaxChunksPerUser   int    `json:"max_chunks_per_user" yaml:"max_chunks_per_user"`
	MaxDocumentsPerUser int   `json:"max_documents_per_user" yaml:"max_documents_per_user"`
	MaxFileSize        int64  `json:"max_file_size" yaml:"max_file_size"`

	// Graph building
	SkipGraph        bool `json:"skip_graph" yaml:"skip_graph"`
	GraphConcurrency int  `json:"graph_concurrency" yaml:"graph_concurrency"`

	// Reasoning (Engine.Query answer synthesis, used by the evaluation run)
	MaxRounds           int     `json:"max_rounds" yaml:"max_rounds"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// Image captioning
	CaptionImages bool `json:"caption_images" yaml:"caption_images"`

	// External parsing
	LlamaParse *LlamaParseConfig `json:"llamaparse,omitempty" yaml:"llamaparse,omitempty"`

	// Embedding dimensions (must match model); one of 64,128,256,512,768,1024,1536,2048.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Rate limiting & load balancing (C2)
	LoadBalancingEnabled  bool               `json:"load_balancing_enabled" yaml:"load_balancing_enabled"`
	LoadBalancingStrategy string             `json:"load_balancing_strategy" yaml:"load_balancing_strategy"` // round_robin|random|weighted
	ProviderLimits        map[string]QPMConfig `json:"provider_limits" yaml:"provider_limits"`
	KBRetrievalRPM        int                `json:"kb_retrieval_rpm" yaml:"kb_retrieval_rpm"`
	KBEmbeddingRPM        int                `json:"kb_embedding_rpm" yaml:"kb_embedding_rpm"`
	KBUploadPerHour       int                `json:"kb_upload_per_hour" yaml:"kb_upload_per_hour"`

	// Redis backs rate-limit counters, the distributed auto-import lock, and
	// the optional shared tier of the query embedding cache. Empty means
	// process-local fallback only.
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`

	// Auto-import scheduler (C12)
	LibraryAutoImportEnabled  bool `json:"library_auto_import_enabled" yaml:"library_auto_import_enabled"`
	LibraryAutoImportInterval int  `json:"library_auto_import_interval" yaml:"library_auto_import_interval"` // minutes
	LibraryAutoImportDir      string `json:"library_auto_import_dir" yaml:"library_auto_import_dir"`

	// Background job runner (C13)
	JobWorkers int `json:"job_workers" yaml:"job_workers"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// RouteConfig is one concrete vendor route behind a logical alias, with a
// load-balancing weight in [0,100] (normalized at startup, see NormalizeWeights).
type RouteConfig struct {
	Vendor string  `json:"vendor" yaml:"vendor"`
	LLM    LLMConfig `json:"llm" yaml:"llm"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// QPMConfig bounds one provider pool's throughput.
type QPMConfig struct {
	QPMLimit        int `json:"qpm_limit" yaml:"qpm_limit"`
	ConcurrentLimit int `json:"concurrent_limit" yaml:"concurrent_limit"`
}

// LlamaParseConfig configures the LlamaParse external parsing service.
type LlamaParseConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.knowledgebase/knowledgebase.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:           "knowledgebase",
		StorageDir:       "home",
		CollectionPrefix: "user_",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Vision: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		DefaultRetrievalMethod: "hybrid",
		RerankingMode:          "weighted_score",
		HybridVectorWeight:     0.5,
		HybridKeywordWeight:    0.5,
		WeightGraph:            0.5,
		ChunkSize:              500,
		ChunkOverlap:           50,
		ChunkingEngine:         "semchunk",
		MaxChunksPerUser:       1000,
		MaxDocumentsPerUser:    5,
		MaxFileSize:            10 * 1024 * 1024,
		GraphConcurrency:       16,
		MaxRounds:              3,
		ConfidenceThreshold:    0.7,
		EmbeddingDim:           768,
		LoadBalancingEnabled:   false,
		LoadBalancingStrategy:  "weighted",
		KBRetrievalRPM:         60,
		KBEmbeddingRPM:         100,
		KBUploadPerHour:        10,
		LibraryAutoImportEnabled:  false,
		LibraryAutoImportInterval: 5,
		JobWorkers:                4,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "knowledgebase"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".knowledgebase")
		return filepath.Join(dir, name+".db")
	}
}

// resolveStorageRoot computes the base directory for persisted document bytes.
func (c *Config) resolveStorageRoot() string {
	if c.StorageRoot != "" {
		return c.StorageRoot
	}
	switch c.StorageDir {
	case "local", "cwd":
		return "storage"
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "storage"
		}
		return filepath.Join(home, ".knowledgebase", "storage")
	}
}

// clampChunkSize applies the C5 boundary rule: out-of-range chunk sizes fall
// back to the default with no error, per SPEC_FULL.md §8 boundary behaviors.
func clampChunkSize(size int) (value int, usedDefault bool) {
	const maxSegmentationTokens = 4000
	if size < 50 || size > maxSegmentationTokens {
		return 500, true
	}
	return size, false
}
