package store

import "fmt"

// schemaSQL returns the DDL for all tables shared across tenants. Per-tenant
// vector collections are created separately by EnsureCollection, since each
// tenant's vec0 table is named dynamically (vec_chunks_<tenant>).
func schemaSQL() string {
	return `
-- One knowledge space per user.
CREATE TABLE IF NOT EXISTS knowledge_spaces (
    id INTEGER PRIMARY KEY,
    user_id TEXT NOT NULL UNIQUE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Document registry, scoped to a knowledge space.
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    space_id INTEGER NOT NULL REFERENCES knowledge_spaces(id) ON DELETE CASCADE,
    file_name TEXT NOT NULL,
    file_type TEXT NOT NULL,
    file_size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    progress_stage TEXT,
    progress_percent INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    language TEXT,
    category TEXT,
    tags TEXT,
    extracted_metadata JSON,
    mode_mismatch_warning TEXT,
    error_message TEXT,
    storage_path TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(space_id, file_name)
);
CREATE INDEX IF NOT EXISTS idx_documents_space ON documents(space_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);

-- Hierarchical chunks (parent = section, child = paragraph/clause), dense
-- 0-based chunk_index per document for partial-reindex diffing.
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    space_id INTEGER NOT NULL,
    parent_chunk_id INTEGER REFERENCES chunks(id),
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    chunk_type TEXT NOT NULL DEFAULT 'paragraph',
    heading TEXT,
    start_char INTEGER NOT NULL DEFAULT 0,
    end_char INTEGER NOT NULL DEFAULT 0,
    page_number INTEGER,
    token_count INTEGER,
    has_table INTEGER NOT NULL DEFAULT 0,
    has_code INTEGER NOT NULL DEFAULT 0,
    metadata JSON,
    content_hash TEXT NOT NULL,
    UNIQUE(document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_space ON chunks(space_id);
CREATE INDEX IF NOT EXISTS idx_chunks_parent ON chunks(parent_chunk_id);

-- Full-text search via FTS5, content-synced to chunks via triggers.
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    heading,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content, heading) VALUES (new.id, new.content, new.heading);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, heading) VALUES ('delete', old.id, old.content, old.heading);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, heading) VALUES ('delete', old.id, old.content, old.heading);
    INSERT INTO chunks_fts(chunks_fts, rowid, content, heading) VALUES (new.id, new.content, new.heading);
END;

-- Versioned file snapshots enabling rollback.
CREATE TABLE IF NOT EXISTS document_versions (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    version_number INTEGER NOT NULL,
    storage_path TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    change_summary JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(document_id, version_number)
);

-- Batches group co-submitted documents with aggregate counters.
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    space_id INTEGER NOT NULL REFERENCES knowledge_spaces(id) ON DELETE CASCADE,
    total INTEGER NOT NULL,
    completed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'processing',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Query audit log, source distinguishes retrieval-test from production queries.
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    space_id INTEGER NOT NULL,
    query TEXT NOT NULL,
    method TEXT NOT NULL,
    top_k INTEGER NOT NULL,
    score_threshold REAL NOT NULL DEFAULT 0,
    result_count INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL DEFAULT 'query',
    timing_json JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_query_log_space ON query_log(space_id, created_at);

-- Per-query feedback.
CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY,
    query_log_id INTEGER NOT NULL REFERENCES query_log(id) ON DELETE CASCADE,
    sentiment TEXT NOT NULL,
    score INTEGER,
    relevant_chunk_ids JSON,
    irrelevant_chunk_ids JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Permanent document-embedding cache: (model, provider, md5(text)) -> vector.
CREATE TABLE IF NOT EXISTS embedding_cache (
    model TEXT NOT NULL,
    provider TEXT NOT NULL,
    text_hash TEXT NOT NULL,
    dims INTEGER NOT NULL,
    vector BLOB NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (model, provider, text_hash)
);

-- Knowledge graph: entities, scoped by space for tenant isolation.
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    space_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    description TEXT,
    metadata JSON,
    UNIQUE(space_id, name, entity_type)
);

CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY,
    source_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL,
    weight REAL DEFAULT 1.0,
    description TEXT,
    source_chunk_id INTEGER REFERENCES chunks(id),
    metadata JSON
);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_entity_id);

CREATE TABLE IF NOT EXISTS entity_chunks (
    entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    chunk_id INTEGER NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    PRIMARY KEY (entity_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_entity_chunks_chunk ON entity_chunks(chunk_id);

CREATE TABLE IF NOT EXISTS communities (
    id INTEGER PRIMARY KEY,
    space_id INTEGER NOT NULL,
    level INTEGER NOT NULL,
    summary TEXT,
    entity_ids JSON NOT NULL
);
`
}

// vecTableName returns the per-tenant vec0 virtual table name for a space.
// SQLite identifiers can't be parameterized, so the tenant key is restricted
// to [A-Za-z0-9_] by callers before it ever reaches this function.
func vecTableName(tenant string) string {
	return fmt.Sprintf("vec_chunks_%s", tenant)
}

func createVecTableSQL(tenant string, dim int) string {
	return fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(chunk_id INTEGER PRIMARY KEY, embedding float[%d])`,
		vecTableName(tenant), dim,
	)
}
