package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// KnowledgeSpace is a per-user container for documents. Invariant: at most
// one space per user.
type KnowledgeSpace struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at"`
}

// Document represents a row in the documents table.
type Document struct {
	ID                  int64  `json:"id"`
	SpaceID             int64  `json:"space_id"`
	FileName            string `json:"file_name"`
	FileType            string `json:"file_type"`
	FileSize            int64  `json:"file_size"`
	Status              string `json:"status"`
	ProgressStage       string `json:"progress_stage,omitempty"`
	ProgressPercent     int    `json:"progress_percent"`
	ChunkCount          int    `json:"chunk_count"`
	ContentHash         string `json:"content_hash"`
	Version             int    `json:"version"`
	Language            string `json:"language,omitempty"`
	Category            string `json:"category,omitempty"`
	Tags                string `json:"tags,omitempty"`
	ExtractedMetadata   string `json:"extracted_metadata,omitempty"`
	ModeMismatchWarning string `json:"mode_mismatch_warning,omitempty"`
	ErrorMessage        string `json:"error_message,omitempty"`
	StoragePath         string `json:"storage_path"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"document_id"`
	SpaceID       int64  `json:"space_id"`
	ParentChunkID *int64 `json:"parent_chunk_id,omitempty"`
	ChunkIndex    int    `json:"chunk_index"`
	Content       string `json:"content"`
	ChunkType     string `json:"chunk_type"`
	Heading       string `json:"heading"`
	StartChar     int    `json:"start_char"`
	EndChar       int    `json:"end_char"`
	PageNumber    int    `json:"page_number"`
	TokenCount    int    `json:"token_count"`
	HasTable      bool   `json:"has_table"`
	HasCode       bool   `json:"has_code"`
	Metadata      string `json:"metadata,omitempty"`
	ContentHash   string `json:"content_hash"`
}

// DocumentVersion is a snapshot of file bytes + chunk_count at an update.
type DocumentVersion struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"document_id"`
	VersionNumber int    `json:"version_number"`
	StoragePath   string `json:"storage_path"`
	ContentHash   string `json:"content_hash"`
	ChunkCount    int    `json:"chunk_count"`
	ChangeSummary string `json:"change_summary,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Batch groups documents uploaded together.
type Batch struct {
	ID          string `json:"id"`
	SpaceID     int64  `json:"space_id"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// QueryLogEntry records a retrieval invocation.
type QueryLogEntry struct {
	ID             int64
	SpaceID        int64
	Query          string
	Method         string
	TopK           int
	ScoreThreshold float64
	ResultCount    int
	Source         string // "query" or "retrieval_test"
	TimingJSON     string
}

// Feedback records a user's judgement of a query's results.
type Feedback struct {
	ID                 int64
	QueryLogID         int64
	Sentiment          string // positive|negative|neutral
	Score              *int   // 1-5
	RelevantChunkIDs   string // JSON array
	IrrelevantChunkIDs string // JSON array
}

// VectorPoint is a single embedding to upsert into a tenant's collection.
type VectorPoint struct {
	ChunkID   int64
	Embedding []float32
}

// RetrievalResult holds a chunk with its retrieval score and document info.
type RetrievalResult struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading"`
	ChunkType  string  `json:"chunk_type"`
	PageNumber int     `json:"page_number"`
	FileName   string  `json:"file_name"`
	Score      float64 `json:"score"`
}

// Entity represents a row in the entities table.
type Entity struct {
	ID          int64  `json:"id"`
	SpaceID     int64  `json:"space_id"`
	Name        string `json:"name"`
	EntityType  string `json:"entity_type"`
	Description string `json:"description"`
	Metadata    string `json:"metadata,omitempty"`
}

// Relationship represents a row in the relationships table.
type Relationship struct {
	ID             int64   `json:"id"`
	SourceEntityID int64   `json:"source_entity_id"`
	TargetEntityID int64   `json:"target_entity_id"`
	RelationType   string  `json:"relation_type"`
	Weight         float64 `json:"weight"`
	Description    string  `json:"description"`
	SourceChunkID  *int64  `json:"source_chunk_id,omitempty"`
	Metadata       string  `json:"metadata,omitempty"`
}

// Community represents a row in the communities table.
type Community struct {
	ID        int64  `json:"id"`
	SpaceID   int64  `json:"space_id"`
	Level     int    `json:"level"`
	Summary   string `json:"summary"`
	EntityIDs string `json:"entity_ids"`
}

// Store wraps the SQLite database for all persistence in the knowledge base.
type Store struct {
	db             *sql.DB
	defaultVecDims int
	vecReady       map[string]bool
}

// New opens (or creates) a SQLite database at the given path and
// initialises the shared schema. Per-tenant vec0 tables are created lazily
// via EnsureCollection.
func New(dbPath string, defaultVecDims int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, defaultVecDims: defaultVecDims, vecReady: make(map[string]bool)}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- Knowledge space operations ---

// EnsureSpace returns the space id for a user, creating one if absent.
// Enforces the "at most one space per user" invariant via UNIQUE(user_id).
func (s *Store) EnsureSpace(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO knowledge_spaces (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING", userID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	row := s.db.QueryRowContext(ctx, "SELECT id FROM knowledge_spaces WHERE user_id = ?", userID)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- Document operations ---

// CreateDocument inserts a new document row in pending status. Returns
// ErrConflict (via sqlite's UNIQUE constraint) if file_name already exists
// in the space.
func (s *Store) CreateDocument(ctx context.Context, d Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (space_id, file_name, file_type, file_size, status,
			progress_stage, progress_percent, content_hash, storage_path, extracted_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.SpaceID, d.FileName, d.FileType, d.FileSize, d.Status,
		d.ProgressStage, d.ProgressPercent, d.ContentHash, d.StoragePath, d.ExtractedMetadata)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: file name %q already exists in space", ErrConflict, d.FileName)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// CountDocuments returns the number of documents currently in a space
// (used by admission to enforce MAX_DOCUMENTS_PER_USER).
func (s *Store) CountDocuments(ctx context.Context, spaceID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE space_id = ?", spaceID).Scan(&n)
	return n, err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, documentSelect+" WHERE id = ?", id))
}

// GetDocumentByFileName retrieves a document by space + file name.
func (s *Store) GetDocumentByFileName(ctx context.Context, spaceID int64, fileName string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		documentSelect+" WHERE space_id = ? AND file_name = ?", spaceID, fileName))
}

const documentSelect = `
	SELECT id, space_id, file_name, file_type, file_size, status, COALESCE(progress_stage, ''),
		progress_percent, chunk_count, content_hash, version, COALESCE(language, ''),
		COALESCE(category, ''), COALESCE(tags, ''), COALESCE(extracted_metadata, ''),
		COALESCE(mode_mismatch_warning, ''), COALESCE(error_message, ''), storage_path,
		created_at, updated_at
	FROM documents`

func (s *Store) scanDocument(row *sql.Row) (*Document, error) {
	d := &Document{}
	if err := row.Scan(&d.ID, &d.SpaceID, &d.FileName, &d.FileType, &d.FileSize, &d.Status,
		&d.ProgressStage, &d.ProgressPercent, &d.ChunkCount, &d.ContentHash, &d.Version,
		&d.Language, &d.Category, &d.Tags, &d.ExtractedMetadata, &d.ModeMismatchWarning,
		&d.ErrorMessage, &d.StoragePath, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDocuments returns all documents in a space ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context, spaceID int64) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, documentSelect+" WHERE space_id = ? ORDER BY created_at DESC", spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d := Document{}
		if err := rows.Scan(&d.ID, &d.SpaceID, &d.FileName, &d.FileType, &d.FileSize, &d.Status,
			&d.ProgressStage, &d.ProgressPercent, &d.ChunkCount, &d.ContentHash, &d.Version,
			&d.Language, &d.Category, &d.Tags, &d.ExtractedMetadata, &d.ModeMismatchWarning,
			&d.ErrorMessage, &d.StoragePath, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentProgress advances status/stage/percent for the UI.
func (s *Store) UpdateDocumentProgress(ctx context.Context, id int64, status, stage string, percent int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, progress_stage = ?, progress_percent = ?,
			updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, stage, percent, id)
	return err
}

// UpdateDocumentStoragePath records the on-disk path for a document's stored
// bytes. Called post-insert since the path embeds the document's own ID.
func (s *Store) UpdateDocumentStoragePath(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET storage_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, path, id)
	return err
}

// MarkDocumentFailed records a terminal failure without throwing to the caller.
func (s *Store) MarkDocumentFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'failed', error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, errMsg, id)
	return err
}

// CompleteDocument transitions a document to completed with final counts.
func (s *Store) CompleteDocument(ctx context.Context, id int64, chunkCount int, contentHash string, warning string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'completed', progress_stage = '', progress_percent = 100,
			chunk_count = ?, content_hash = ?, mode_mismatch_warning = ?, error_message = '',
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, chunkCount, contentHash, warning, id)
	return err
}

// BumpDocumentVersion increments the version counter and returns the new value.
func (s *Store) BumpDocumentVersion(ctx context.Context, id int64) (int, error) {
	if _, err := s.db.ExecContext(ctx, "UPDATE documents SET version = version + 1 WHERE id = ?", id); err != nil {
		return 0, err
	}
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM documents WHERE id = ?", id).Scan(&v)
	return v, err
}

// DeleteDocument removes a document with its entity links, chunk-sourced
// relationships, chunks and versions; it does not touch vector points.
// Vector points must be deleted by the caller (via DeletePointsByDocument)
// before calling this, since vec0 tables are tenant-named and not reachable
// by a FOREIGN KEY cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM entity_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships WHERE source_chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM document_versions WHERE document_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		return err
	})
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunks in one transaction and returns
// their real DB IDs, remapping ParentChunkID from temporary chunker-assigned
// ids (negative indices into this same slice) to real ids as it goes. This
// must run, and its transaction must commit, before any vector write for
// these chunk ids (see the ordering invariant in SPEC_FULL.md §5).
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))
	idMap := make(map[int64]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, space_id, parent_chunk_id, chunk_index, content,
				chunk_type, heading, start_char, end_char, page_number, token_count,
				has_table, has_code, metadata, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			contentHash := hex.EncodeToString(hash[:])

			var parentID *int64
			if c.ParentChunkID != nil {
				if realID, ok := idMap[*c.ParentChunkID]; ok {
					parentID = &realID
				}
			}

			res, err := stmt.ExecContext(ctx, c.DocumentID, c.SpaceID, parentID, c.ChunkIndex, c.Content,
				c.ChunkType, c.Heading, c.StartChar, c.EndChar, c.PageNumber, c.TokenCount,
				c.HasTable, c.HasCode, c.Metadata, contentHash)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
			idMap[c.ID] = ids[i]
		}
		return nil
	})

	return ids, err
}

// InsertChunksAndPoints inserts a batch of chunks and upserts their vector
// points in a single transaction, so the two writes commit or roll back
// together: a failing vector insert rolls the chunk inserts back with it
// instead of leaving committed chunk rows with no corresponding point
// (SPEC_FULL.md §5's ordering invariant). vectors[i] == nil skips the vector
// write for that chunk (an embedding miss) without failing the others.
// EnsureCollection is called first so the tenant's vec0 table exists before
// the transaction opens.
func (s *Store) InsertChunksAndPoints(ctx context.Context, tenant string, dim int, chunks []Chunk, vectors [][]float32) ([]int64, error) {
	if err := s.EnsureCollection(ctx, tenant, dim); err != nil {
		return nil, fmt.Errorf("ensuring vector collection for tenant %q: %w", tenant, err)
	}
	table := vecTableName(tenantKey(tenant))

	ids := make([]int64, len(chunks))
	idMap := make(map[int64]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, space_id, parent_chunk_id, chunk_index, content,
				chunk_type, heading, start_char, end_char, page_number, token_count,
				has_table, has_code, metadata, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer chunkStmt.Close()

		vecStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT OR REPLACE INTO %s (chunk_id, embedding) VALUES (?, ?)", table))
		if err != nil {
			return err
		}
		defer vecStmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			contentHash := hex.EncodeToString(hash[:])

			var parentID *int64
			if c.ParentChunkID != nil {
				if realID, ok := idMap[*c.ParentChunkID]; ok {
					parentID = &realID
				}
			}

			res, err := chunkStmt.ExecContext(ctx, c.DocumentID, c.SpaceID, parentID, c.ChunkIndex, c.Content,
				c.ChunkType, c.Heading, c.StartChar, c.EndChar, c.PageNumber, c.TokenCount,
				c.HasTable, c.HasCode, c.Metadata, contentHash)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids[i] = id
			idMap[c.ID] = id

			if i < len(vectors) && vectors[i] != nil {
				if _, err := vecStmt.ExecContext(ctx, id, serializeFloat32(vectors[i])); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpsertChunkAtIndex replaces the content of an existing chunk in place,
// preserving its id (used by the "updated" set during partial reindex so
// the corresponding vector point id = chunk_id stays stable).
func (s *Store) UpsertChunkAtIndex(ctx context.Context, documentID int64, chunkIndex int, c Chunk) (int64, error) {
	hash := sha256.Sum256([]byte(c.Content))
	contentHash := hex.EncodeToString(hash[:])
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET content = ?, chunk_type = ?, heading = ?, start_char = ?, end_char = ?,
			page_number = ?, token_count = ?, has_table = ?, has_code = ?, metadata = ?, content_hash = ?
		WHERE document_id = ? AND chunk_index = ?
	`, c.Content, c.ChunkType, c.Heading, c.StartChar, c.EndChar, c.PageNumber, c.TokenCount,
		c.HasTable, c.HasCode, c.Metadata, contentHash, documentID, chunkIndex)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var id int64
	err = s.db.QueryRowContext(ctx, "SELECT id FROM chunks WHERE document_id = ? AND chunk_index = ?",
		documentID, chunkIndex).Scan(&id)
	return id, err
}

// DeleteChunksByIndices removes chunks at the given chunk_index values for a
// document (the "deleted" set in a partial reindex diff). Returns the chunk
// ids that were removed so the caller can then delete their vector points.
func (s *Store) DeleteChunksByIndices(ctx context.Context, documentID int64, indices []int) ([]int64, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	ids, err := s.ChunkIDsByIndices(ctx, documentID, indices)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, 0, len(indices)+1)
	args = append(args, documentID)
	for _, idx := range indices {
		args = append(args, idx)
	}
	query := "DELETE FROM chunks WHERE document_id = ? AND chunk_index IN (?" + repeatPlaceholders(len(indices)-1) + ")"
	_, err = s.db.ExecContext(ctx, query, args...)
	return ids, err
}

// ChunkIDsByIndices resolves chunk_index values to chunk ids for a document.
func (s *Store) ChunkIDsByIndices(ctx context.Context, documentID int64, indices []int) ([]int64, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(indices)+1)
	args = append(args, documentID)
	for _, idx := range indices {
		args = append(args, idx)
	}
	query := "SELECT id FROM chunks WHERE document_id = ? AND chunk_index IN (?" + repeatPlaceholders(len(indices)-1) + ")"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetChunksByDocument returns all chunks for a document ordered by index.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, space_id, parent_chunk_id, chunk_index, content, chunk_type, heading,
			start_char, end_char, page_number, token_count, has_table, has_code, metadata, content_hash
		FROM chunks WHERE document_id = ? ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SampleChunks returns up to n chunks chosen at random across all documents.
func (s *Store) SampleChunks(ctx context.Context, n int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, space_id, parent_chunk_id, chunk_index, content, chunk_type, heading,
			start_char, end_char, page_number, token_count, has_table, has_code, metadata, content_hash
		FROM chunks ORDER BY RANDOM() LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunksPage returns a page of chunks for a document (1-based page).
func (s *Store) GetChunksPage(ctx context.Context, docID int64, page, pageSize int) ([]Chunk, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, space_id, parent_chunk_id, chunk_index, content, chunk_type, heading,
			start_char, end_char, page_number, token_count, has_table, has_code, metadata, content_hash
		FROM chunks WHERE document_id = ? ORDER BY chunk_index LIMIT ? OFFSET ?
	`, docID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunkHashesByIndex returns a map of chunk_index -> content_hash for a
// document, used to build the kept/updated/deleted/added diff on reindex.
func (s *Store) ChunkHashesByIndex(ctx context.Context, docID int64) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_index, content_hash FROM chunks WHERE document_id = ?", docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]string)
	for rows.Next() {
		var idx int
		var hash string
		if err := rows.Scan(&idx, &hash); err != nil {
			return nil, err
		}
		out[idx] = hash
	}
	return out, rows.Err()
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SpaceID, &c.ParentChunkID, &c.ChunkIndex, &c.Content,
			&c.ChunkType, &c.Heading, &c.StartChar, &c.EndChar, &c.PageNumber, &c.TokenCount,
			&c.HasTable, &c.HasCode, &metadata, &c.ContentHash); err != nil {
			return nil, err
		}
		c.Metadata = metadata.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Vector store adapter (C7) ---

// tenantKey sanitizes a tenant identifier to the [A-Za-z0-9_] charset SQLite
// identifiers (and this package's string-formatted table names) require.
func tenantKey(tenant string) string {
	var b strings.Builder
	for _, r := range tenant {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// EnsureCollection creates the tenant's vec0 table if it doesn't exist yet.
// Idempotent.
func (s *Store) EnsureCollection(ctx context.Context, tenant string, dim int) error {
	key := tenantKey(tenant)
	if s.vecReady[key] {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createVecTableSQL(key, dim)); err != nil {
		return fmt.Errorf("ensuring collection for tenant %q: %w", tenant, err)
	}
	s.vecReady[key] = true
	return nil
}

// UpsertPoints writes chunk embeddings into a tenant's collection. Must be
// called only after the chunk ids being written already exist (and their
// transaction has committed) so that point_id = chunk_id stays meaningful.
func (s *Store) UpsertPoints(ctx context.Context, tenant string, points []VectorPoint) error {
	key := tenantKey(tenant)
	table := vecTableName(key)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT OR REPLACE INTO %s (chunk_id, embedding) VALUES (?, ?)", table))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, p.ChunkID, serializeFloat32(p.Embedding)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePointsByChunkIDs removes specific points from a tenant's collection.
func (s *Store) DeletePointsByChunkIDs(ctx context.Context, tenant string, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	table := vecTableName(tenantKey(tenant))
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE chunk_id IN (?%s)", table, repeatPlaceholders(len(chunkIDs)-1))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// DeletePointsByDocument removes every point belonging to a document's chunks.
func (s *Store) DeletePointsByDocument(ctx context.Context, tenant string, docID int64) error {
	chunks, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		return err
	}
	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return s.DeletePointsByChunkIDs(ctx, tenant, ids)
}

// VectorSearch performs a KNN search within a tenant's collection.
func (s *Store) VectorSearch(ctx context.Context, tenant string, queryEmbedding []float32, k int) ([]RetrievalResult, error) {
	table := vecTableName(tenantKey(tenant))
	query := fmt.Sprintf(`
		SELECT v.chunk_id, v.distance,
			c.content, c.heading, c.chunk_type, c.page_number, c.document_id, c.chunk_index,
			d.file_name
		FROM %s v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, table)
	rows, err := s.db.QueryContext(ctx, query, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance, &r.Content, &r.Heading, &r.ChunkType,
			&r.PageNumber, &r.DocumentID, &r.ChunkIndex, &r.FileName); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// CompressionMetrics reports point count and estimated vector storage size
// for a tenant's collection (no quantization is applied here, so "enabled"
// is always false and the ratio/savings are always 1.0/0 — this surfaces the
// shape the spec's debug endpoint expects without inventing a compression
// scheme the backing store doesn't implement).
type CompressionMetrics struct {
	Enabled    bool    `json:"enabled"`
	Type       string  `json:"type"`
	PointCount int     `json:"points_count"`
	VectorSize int     `json:"vector_size"`
	Ratio      float64 `json:"ratio"`
	SavingsPct float64 `json:"savings_pct"`
}

func (s *Store) CompressionMetrics(ctx context.Context, tenant string, dim int) (*CompressionMetrics, error) {
	table := vecTableName(tenantKey(tenant))
	var count int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	if err != nil {
		return nil, err
	}
	return &CompressionMetrics{
		Enabled:    false,
		Type:       "none",
		PointCount: count,
		VectorSize: dim * 4,
		Ratio:      1.0,
		SavingsPct: 0,
	}, nil
}

// VectorDiagnostics reports whether a tenant's vector collection is ready in
// this process and, if so, its point count; the chunk-versus-point drift check
// is DetectDrift.
type VectorDiagnostics struct {
	CollectionExists bool     `json:"collection_exists"`
	PointsCount      int      `json:"points_count"`
	Dims             int      `json:"dims"`
	SamplePayloadKeys []string `json:"sample_payload_keys"`
}

func (s *Store) VectorDiagnostics(ctx context.Context, tenant string, dim int) (*VectorDiagnostics, error) {
	key := tenantKey(tenant)
	if !s.vecReady[key] {
		return &VectorDiagnostics{CollectionExists: false}, nil
	}
	table := vecTableName(key)
	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return nil, err
	}
	return &VectorDiagnostics{
		CollectionExists:  true,
		PointsCount:       count,
		Dims:              dim,
		SamplePayloadKeys: []string{"document_id", "chunk_index", "page_number"},
	}, nil
}

// DriftIssue reports a completed document whose chunk count disagrees with
// its vector point count, per invariant 1 in SPEC_FULL.md §8.
type DriftIssue struct {
	DocumentID  int64  `json:"document_id"`
	ChunkCount  int    `json:"chunk_count"`
	PointsCount int    `json:"points_count"`
	Diagnosis   string `json:"diagnosis"`
}

// DetectDrift compares chunks-per-document against vector points for every
// completed document in a space.
func (s *Store) DetectDrift(ctx context.Context, tenant string, spaceID int64) ([]DriftIssue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_count FROM documents WHERE space_id = ? AND status = 'completed'`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type docRow struct {
		id         int64
		chunkCount int
	}
	var docs []docRow
	for rows.Next() {
		var d docRow
		if err := rows.Scan(&d.id, &d.chunkCount); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	rows.Close()

	table := vecTableName(tenantKey(tenant))
	var issues []DriftIssue
	for _, d := range docs {
		var points int
		q := fmt.Sprintf(`
			SELECT COUNT(*) FROM %s v JOIN chunks c ON c.id = v.chunk_id WHERE c.document_id = ?`, table)
		if err := s.db.QueryRowContext(ctx, q, d.id).Scan(&points); err != nil {
			return nil, err
		}
		if points != d.chunkCount {
			issues = append(issues, DriftIssue{
				DocumentID:  d.id,
				ChunkCount:  d.chunkCount,
				PointsCount: points,
				Diagnosis: fmt.Sprintf("document %d has %d chunks but %d vector points; reindex to repair",
					d.id, d.chunkCount, points),
			})
		}
	}
	return issues, nil
}

// --- Keyword index (C8) ---

// FTSSearch performs a full-text search using FTS5 BM25 ranking, scoped to
// a space. BM25 scores are negative (lower = better); each result's Score is
// mapped here to 1/(1+|score|) per SPEC_FULL.md's C8 ranking rule.
func (s *Store) FTSSearch(ctx context.Context, spaceID int64, query string, limit int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			c.content, c.heading, c.chunk_type, c.page_number, c.document_id, c.chunk_index,
			d.file_name
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND c.space_id = ?
		ORDER BY f.rank
		LIMIT ?
	`, query, spaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var rank float64
		if err := rows.Scan(&r.ChunkID, &rank, &r.Content, &r.Heading, &r.ChunkType,
			&r.PageNumber, &r.DocumentID, &r.ChunkIndex, &r.FileName); err != nil {
			return nil, err
		}
		r.Score = 1.0 / (1.0 + math.Abs(rank))
		results = append(results, r)
	}
	return results, rows.Err()
}

// LikeSearch is a tokenized-LIKE keyword search over a space's chunks.
// Every matching chunk gets a constant score of 0.5 per SPEC_FULL.md C8.
// No search path calls it: Engine.Search uses FTSSearch only and, when that
// fails, logs the error and continues without keyword results.
func (s *Store) LikeSearch(ctx context.Context, spaceID int64, terms []string, limit int) ([]RetrievalResult, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	var conditions []string
	args := []interface{}{spaceID}
	for _, t := range terms {
		conditions = append(conditions, "LOWER(c.content) LIKE ?")
		args = append(args, "%"+strings.ToLower(t)+"%")
	}
	args = append(args, limit)

	query := `
		SELECT c.id, c.content, c.heading, c.chunk_type, c.page_number, c.document_id, c.chunk_index,
			d.file_name
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.space_id = ? AND (` + strings.Join(conditions, " OR ") + `)
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		if err := rows.Scan(&r.ChunkID, &r.Content, &r.Heading, &r.ChunkType,
			&r.PageNumber, &r.DocumentID, &r.ChunkIndex, &r.FileName); err != nil {
			return nil, err
		}
		r.Score = 0.5
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSBackfillCount returns the chunks row count and the FTS index row count,
// so a caller can tell whether a backfill is needed; no startup path calls it.
func (s *Store) FTSBackfillCount(ctx context.Context) (chunks int, indexed int, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&chunks); err != nil {
		return
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks_fts").Scan(&indexed)
	return
}

// --- Document versions (rollback) ---

func (s *Store) InsertDocumentVersion(ctx context.Context, v DocumentVersion) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version_number, storage_path, content_hash, chunk_count, change_summary)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.DocumentID, v.VersionNumber, v.StoragePath, v.ContentHash, v.ChunkCount, v.ChangeSummary)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetDocumentVersion(ctx context.Context, documentID int64, versionNumber int) (*DocumentVersion, error) {
	v := &DocumentVersion{}
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version_number, storage_path, content_hash, chunk_count, change_summary, created_at
		FROM document_versions WHERE document_id = ? AND version_number = ?
	`, documentID, versionNumber).Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.StoragePath,
		&v.ContentHash, &v.ChunkCount, &summary, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.ChangeSummary = summary.String
	return v, nil
}

func (s *Store) ListDocumentVersions(ctx context.Context, documentID int64) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version_number, storage_path, content_hash, chunk_count, change_summary, created_at
		FROM document_versions WHERE document_id = ? ORDER BY version_number
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []DocumentVersion
	for rows.Next() {
		var v DocumentVersion
		var summary sql.NullString
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.StoragePath,
			&v.ContentHash, &v.ChunkCount, &summary, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.ChangeSummary = summary.String
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Batches ---

func (s *Store) CreateBatch(ctx context.Context, id string, spaceID int64, total int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO batches (id, space_id, total, status) VALUES (?, ?, ?, 'processing')", id, spaceID, total)
	return err
}

func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b := &Batch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, total, completed, failed, status, created_at FROM batches WHERE id = ?
	`, id).Scan(&b.ID, &b.SpaceID, &b.Total, &b.Completed, &b.Failed, &b.Status, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RecordBatchJobResult advances a batch's counters and recomputes status per
// SPEC_FULL.md C9: completed iff completed+failed==total; failed iff
// completed==0 and failed==total; otherwise processing.
func (s *Store) RecordBatchJobResult(ctx context.Context, id string, succeeded bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		col := "completed"
		if !succeeded {
			col = "failed"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE batches SET %s = %s + 1 WHERE id = ?", col, col), id); err != nil {
			return err
		}
		var total, completed, failed int
		if err := tx.QueryRowContext(ctx, "SELECT total, completed, failed FROM batches WHERE id = ?", id).
			Scan(&total, &completed, &failed); err != nil {
			return err
		}
		status := "processing"
		switch {
		case completed+failed == total && completed == 0 && failed == total:
			status = "failed"
		case completed+failed == total:
			status = "completed"
		}
		_, err := tx.ExecContext(ctx, "UPDATE batches SET status = ? WHERE id = ?", status, id)
		return err
	})
}

// --- Query log & feedback ---

// LogQuery writes an entry to the query audit log. For the "retrieval_test"
// source, only the 10 most recent rows per space are retained.
func (s *Store) LogQuery(ctx context.Context, q QueryLogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (space_id, query, method, top_k, score_threshold, result_count, source, timing_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, q.SpaceID, q.Query, q.Method, q.TopK, q.ScoreThreshold, q.ResultCount, q.Source, q.TimingJSON)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if q.Source == "retrieval_test" {
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM query_log WHERE space_id = ? AND source = 'retrieval_test' AND id NOT IN (
				SELECT id FROM query_log WHERE space_id = ? AND source = 'retrieval_test'
				ORDER BY created_at DESC LIMIT 10
			)`, q.SpaceID, q.SpaceID)
	}
	return id, nil
}

func (s *Store) InsertFeedback(ctx context.Context, f Feedback) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (query_log_id, sentiment, score, relevant_chunk_ids, irrelevant_chunk_ids)
		VALUES (?, ?, ?, ?, ?)
	`, f.QueryLogID, f.Sentiment, f.Score, f.RelevantChunkIDs, f.IrrelevantChunkIDs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- Embedding cache (C6 document tier; the query tier lives in package cache) ---

// GetCachedEmbedding looks up a permanent document-embedding cache entry.
// PutCachedEmbedding inserts with ON CONFLICT DO NOTHING, so a racing second
// insert for the same key is ignored and the first vector is kept.
func (s *Store) GetCachedEmbedding(ctx context.Context, model, provider, textHash string) ([]float32, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT vector FROM embedding_cache WHERE model = ? AND provider = ? AND text_hash = ?",
		model, provider, textHash).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return deserializeFloat32(raw), true, nil
}

func (s *Store) PutCachedEmbedding(ctx context.Context, model, provider, textHash string, vec []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (model, provider, text_hash, dims, vector) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, provider, text_hash) DO NOTHING
	`, model, provider, textHash, len(vec), serializeFloat32(vec))
	return err
}

// --- Entities / relationships / communities (adapted graph infra) ---

func (s *Store) UpsertEntity(ctx context.Context, e Entity) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (space_id, name, entity_type, description, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(space_id, name, entity_type) DO UPDATE SET
			description = COALESCE(excluded.description, entities.description),
			metadata = excluded.metadata
	`, e.SpaceID, e.Name, e.EntityType, e.Description, e.Metadata)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		row := s.db.QueryRowContext(ctx,
			"SELECT id FROM entities WHERE space_id = ? AND name = ? AND entity_type = ?",
			e.SpaceID, e.Name, e.EntityType)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (s *Store) LinkEntityChunk(ctx context.Context, entityID, chunkID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id) VALUES (?, ?)", entityID, chunkID)
	return err
}

func (s *Store) InsertRelationship(ctx context.Context, r Relationship) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (source_entity_id, target_entity_id, relation_type, weight, description, source_chunk_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.SourceEntityID, r.TargetEntityID, r.RelationType, r.Weight, r.Description, r.SourceChunkID, r.Metadata)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) SearchEntitiesByTerms(ctx context.Context, spaceID int64, terms []string, limit int) ([]Entity, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 50
	}
	var conditions []string
	args := []interface{}{spaceID}
	for _, t := range terms {
		if len(t) < 4 {
			continue
		}
		conditions = append(conditions, "name LIKE ?")
		args = append(args, "%"+t+"%")
	}
	if len(conditions) == 0 {
		return nil, nil
	}
	args = append(args, limit)

	query := "SELECT id, space_id, name, entity_type, description, metadata FROM entities WHERE space_id = ? AND (" +
		strings.Join(conditions, " OR ") + ") LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var desc, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.Name, &e.EntityType, &desc, &metadata); err != nil {
			return nil, err
		}
		e.Description, e.Metadata = desc.String, metadata.String
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// GetEntitiesByNames performs an exact (case-folded) name lookup, scoped to a space.
func (s *Store) GetEntitiesByNames(ctx context.Context, spaceID int64, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, spaceID)
	for _, n := range names {
		args = append(args, n)
	}
	query := "SELECT id, space_id, name, entity_type, description, metadata FROM entities WHERE space_id = ? AND name IN (?" +
		repeatPlaceholders(len(names)-1) + ")"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var desc, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.Name, &e.EntityType, &desc, &metadata); err != nil {
			return nil, err
		}
		e.Description, e.Metadata = desc.String, metadata.String
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// GetRelatedEntities returns the 1-hop neighborhood of a seed entity set,
// used by synthesis-mode graph expansion.
func (s *Store) GetRelatedEntities(ctx context.Context, entityIDs []int64, limit int) ([]Entity, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	placeholders := "?" + repeatPlaceholders(len(entityIDs)-1)
	query := `
		SELECT DISTINCT e.id, e.space_id, e.name, e.entity_type, e.description, e.metadata
		FROM relationships r
		JOIN entities e ON e.id = r.source_entity_id OR e.id = r.target_entity_id
		WHERE (r.source_entity_id IN (` + placeholders + `) OR r.target_entity_id IN (` + placeholders + `))
		LIMIT ?`

	var args []interface{}
	for _, id := range entityIDs {
		args = append(args, id)
	}
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var desc, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.Name, &e.EntityType, &desc, &metadata); err != nil {
			return nil, err
		}
		e.Description, e.Metadata = desc.String, metadata.String
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *Store) GraphSearch(ctx context.Context, entityIDs []int64, limit int) ([]RetrievalResult, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT ec.chunk_id, COALESCE(MAX(r.weight), 0.5),
			c.content, c.heading, c.chunk_type, c.page_number, c.document_id, c.chunk_index, d.file_name
		FROM entity_chunks ec
		LEFT JOIN relationships r ON r.source_entity_id = ec.entity_id OR r.target_entity_id = ec.entity_id
		JOIN chunks c ON c.id = ec.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE ec.entity_id IN (?` + repeatPlaceholders(len(entityIDs)-1) + `)
		GROUP BY ec.chunk_id
		ORDER BY COALESCE(MAX(r.weight), 0.5) DESC
		LIMIT ?`

	args := make([]interface{}, 0, len(entityIDs)+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		if err := rows.Scan(&r.ChunkID, &r.Score, &r.Content, &r.Heading, &r.ChunkType,
			&r.PageNumber, &r.DocumentID, &r.ChunkIndex, &r.FileName); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) InsertCommunity(ctx context.Context, c Community) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO communities (space_id, level, summary, entity_ids) VALUES (?, ?, ?, ?)",
		c.SpaceID, c.Level, c.Summary, c.EntityIDs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ClearCommunities(ctx context.Context, spaceID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM communities WHERE space_id = ?", spaceID)
	return err
}

// GetCommunities returns all communities at level for spaceID.
func (s *Store) GetCommunities(ctx context.Context, spaceID int64, level int) ([]Community, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, space_id, level, summary, entity_ids FROM communities WHERE space_id = ? AND level = ?",
		spaceID, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var communities []Community
	for rows.Next() {
		var c Community
		var summary sql.NullString
		if err := rows.Scan(&c.ID, &c.SpaceID, &c.Level, &summary, &c.EntityIDs); err != nil {
			return nil, err
		}
		c.Summary = summary.String
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

// UpsertEntityAndLink upserts an entity and links it to chunkID in a single
// transaction, avoiding a window where a concurrent builder goroutine could
// see the entity row without its chunk link.
func (s *Store) UpsertEntityAndLink(ctx context.Context, e Entity, chunkID int64) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entities (space_id, name, entity_type, description, metadata)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(space_id, name, entity_type) DO UPDATE SET
				description = COALESCE(excluded.description, entities.description),
				metadata = excluded.metadata
		`, e.SpaceID, e.Name, e.EntityType, e.Description, e.Metadata)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if id == 0 {
			row := tx.QueryRowContext(ctx,
				"SELECT id FROM entities WHERE space_id = ? AND name = ? AND entity_type = ?",
				e.SpaceID, e.Name, e.EntityType)
			if err := row.Scan(&id); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id) VALUES (?, ?)", id, chunkID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AllEntities returns every entity in a space, used by community detection
// and full-graph traversal where per-term lookups would be wasteful.
func (s *Store) AllEntities(ctx context.Context, spaceID int64) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, space_id, name, entity_type, description, metadata FROM entities WHERE space_id = ?", spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var desc, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.SpaceID, &e.Name, &e.EntityType, &desc, &metadata); err != nil {
			return nil, err
		}
		e.Description, e.Metadata = desc.String, metadata.String
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// AllRelationships returns every relationship whose source entity belongs to
// spaceID. Relationships never cross spaces since both endpoints are always
// extracted from chunks in the same knowledge space.
func (s *Store) AllRelationships(ctx context.Context, spaceID int64) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.source_entity_id, r.target_entity_id, r.relation_type, r.weight, r.description, r.source_chunk_id, r.metadata
		FROM relationships r
		JOIN entities e ON e.id = r.source_entity_id
		WHERE e.space_id = ?`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var desc, metadata sql.NullString
		var chunkID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationType, &r.Weight, &desc, &chunkID, &metadata); err != nil {
			return nil, err
		}
		r.Description, r.Metadata = desc.String, metadata.String
		if chunkID.Valid {
			v := chunkID.Int64
			r.SourceChunkID = &v
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// --- Diagnostic helpers ---

type DBStats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Entities  int `json:"entities"`
}

func (s *Store) DBStats(ctx context.Context, spaceID int64) (*DBStats, error) {
	stats := &DBStats{}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE space_id = ?", spaceID).Scan(&stats.Documents); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE space_id = ?", spaceID).Scan(&stats.Chunks); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE space_id = ?", spaceID).Scan(&stats.Entities); err != nil {
		return nil, err
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// HashText returns the hex-encoded SHA-256 hash of a string, used for
// chunk_index content-hash comparison and embedding-cache keys.
func HashText(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

var _ = json.Marshal // kept imported for callers constructing metadata JSON inline
