package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mindspring/knowledgebase"
	"github.com/mindspring/knowledgebase/jobs"
	"github.com/mindspring/knowledgebase/retrieval"
	"github.com/mindspring/knowledgebase/store"
)

type handler struct {
	engine *knowledgebase.Engine
	jobs   *jobs.Runner
}

func newHandler(e *knowledgebase.Engine, runner *jobs.Runner) *handler {
	return &handler{engine: e, jobs: runner}
}

// spaceFor resolves the caller's knowledge space from the X-User-Id header,
// creating one on first use.
func (h *handler) spaceFor(ctx context.Context, r *http.Request) (int64, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return 0, fmt.Errorf("missing X-User-Id header")
	}
	return h.engine.EnsureSpace(ctx, userID)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// POST /knowledge-space/documents/upload
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	spaceID, err := h.spaceFor(ctx, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := r.ParseMultipartForm(100 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data with a 'file' field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	doc, err := h.engine.UploadDocument(ctx, spaceID, header.Filename, content)
	if err != nil {
		writeEngineError(w, err, "upload failed")
		return
	}

	h.jobs.Enqueue(jobs.Job{SpaceID: spaceID, DocumentID: doc.ID, Op: jobs.OpProcess})
	writeJSON(w, http.StatusAccepted, doc)
}

// POST /knowledge-space/documents/batch-upload
func (h *handler) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	spaceID, err := h.spaceFor(ctx, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := r.ParseMultipartForm(200 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data with 'files' fields")
		return
	}

	files := make(map[string][]byte)
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			continue
		}
		files[fh.Filename] = content
	}

	batchID, docIDs, err := h.engine.UploadBatch(ctx, spaceID, files)
	if err != nil {
		writeEngineError(w, err, "batch upload failed")
		return
	}
	for _, docID := range docIDs {
		h.jobs.Enqueue(jobs.Job{SpaceID: spaceID, DocumentID: docID, BatchID: batchID, Op: jobs.OpProcess})
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":     batchID,
		"document_ids": docIDs,
	})
}

// GET /knowledge-space/documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	spaceID, err := h.spaceFor(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	docs, err := h.engine.ListDocuments(r.Context(), spaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// GET /knowledge-space/documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := h.engine.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PUT /knowledge-space/documents/{id} — replace content and re-enqueue processing.
func (h *handler) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	content, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	h.jobs.Enqueue(jobs.Job{DocumentID: id, Op: jobs.OpReindex, Payload: content})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reindex_queued"})
}

// DELETE /knowledge-space/documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	if err := h.engine.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		slog.Error("delete document", "document_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /knowledge-space/documents/{id}/status
func (h *handler) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	doc, err := h.engine.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               doc.Status,
		"progress_stage":       doc.ProgressStage,
		"progress_percent":     doc.ProgressPercent,
		"chunk_count":          doc.ChunkCount,
		"mode_mismatch_warning": doc.ModeMismatchWarning,
		"error_message":        doc.ErrorMessage,
	})
}

// GET /knowledge-space/documents/{id}/chunks?page&page_size
func (h *handler) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	chunks, err := h.engine.Store().GetChunksPage(r.Context(), id, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch chunks")
		slog.Error("get chunks", "document_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks, "page": page, "page_size": pageSize})
}

// POST /knowledge-space/documents/{id}/rollback  body {version_number}
func (h *handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	var req struct {
		VersionNumber int `json:"version_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	if err := h.engine.RollbackDocument(ctx, id, req.VersionNumber); err != nil {
		writeEngineError(w, err, "rollback failed")
		return
	}
	doc, _ := h.engine.GetDocument(ctx, id)
	writeJSON(w, http.StatusOK, doc)
}

// GET /knowledge-space/documents/{id}/versions
func (h *handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	versions, err := h.engine.ListDocumentVersions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// POST /knowledge-space/retrieval-test  body {query, method, top_k, score_threshold}
func (h *handler) handleRetrievalTest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	spaceID, err := h.spaceFor(ctx, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		Query          string  `json:"query"`
		Method         string  `json:"method"`
		TopK           int     `json:"top_k"`
		ScoreThreshold float64 `json:"score_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK == 0 {
		req.TopK = 3
	} else if req.TopK < 1 {
		req.TopK = 1
	} else if req.TopK > 10 {
		req.TopK = 10
	}
	if req.ScoreThreshold < 0 {
		req.ScoreThreshold = 0
	} else if req.ScoreThreshold > 1 {
		req.ScoreThreshold = 1
	}
	switch req.Method {
	case "semantic", "keyword", "hybrid":
	default:
		req.Method = "hybrid"
	}

	if pool := h.engine.RetrievalPool(spaceID); pool != nil {
		release, err := pool.Acquire(ctx)
		if err != nil {
			writeError(w, http.StatusTooManyRequests, "retrieval rate limit exceeded")
			return
		}
		defer release()
	}

	results, trace, err := h.engine.Retriever().Search(ctx, req.Query, retrieval.SearchOptions{
		Tenant:     h.engine.Tenant(spaceID),
		SpaceID:    spaceID,
		Method:     req.Method,
		MaxResults: req.TopK,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		slog.Error("retrieval-test", "error", err)
		return
	}

	filtered := make([]store.RetrievalResult, 0, len(results))
	for _, res := range results {
		if res.Score >= req.ScoreThreshold {
			filtered = append(filtered, res)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": filtered,
		"trace":   trace,
	})
}

// POST /knowledge-space/evaluation/run  body {dataset_id, method, cases}
func (h *handler) handleEvaluationRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	spaceID, err := h.spaceFor(ctx, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		DatasetID string `json:"dataset_id"`
		Method    string `json:"method"`
		Cases     []struct {
			Query         string                      `json:"query"`
			ExpectedFacts []string                    `json:"expected_facts"`
			GroundTruth   []retrieval.GroundTruthSpan `json:"ground_truth"`
		} `json:"cases"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	type caseResult struct {
		Query      string                   `json:"query"`
		Metrics    retrieval.QualityMetrics `json:"metrics"`
		PrecisionK float64                  `json:"precision_at_k"`
		RecallK    float64                  `json:"recall_at_k"`
		MRR        float64                  `json:"mrr"`
		NDCGK      float64                  `json:"ndcg_at_k"`
	}
	var out []caseResult
	for _, c := range req.Cases {
		results, _, err := h.engine.Retriever().Search(ctx, c.Query, retrieval.SearchOptions{
			Tenant: h.engine.Tenant(spaceID), SpaceID: spaceID, Method: req.Method, MaxResults: 10,
		})
		if err != nil {
			continue
		}
		answer, _ := h.engine.Query(ctx, spaceID, c.Query, knowledgebase.WithMaxResults(10))
		answerText := ""
		if answer != nil {
			answerText = answer.Text
		}
		out = append(out, caseResult{
			Query:      c.Query,
			Metrics:    retrieval.ComputeQualityMetrics(answerText, results, c.ExpectedFacts),
			PrecisionK: retrieval.ComputePrecisionAtK(results, c.GroundTruth, 10),
			RecallK:    retrieval.ComputeRecallAtK(results, c.GroundTruth, 10),
			MRR:        retrieval.ComputeMRR(results, c.GroundTruth, 10),
			NDCGK:      retrieval.ComputeNDCGAtK(results, c.GroundTruth, 10),
		})
	}

	var avg struct {
		PrecisionK float64 `json:"precision_at_k"`
		RecallK    float64 `json:"recall_at_k"`
		MRR        float64 `json:"mrr"`
		NDCGK      float64 `json:"ndcg_at_k"`
	}
	for _, c := range out {
		avg.PrecisionK += c.PrecisionK
		avg.RecallK += c.RecallK
		avg.MRR += c.MRR
		avg.NDCGK += c.NDCGK
	}
	if n := float64(len(out)); n > 0 {
		avg.PrecisionK /= n
		avg.RecallK /= n
		avg.MRR /= n
		avg.NDCGK /= n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id": req.DatasetID,
		"results":    out,
		"average":    avg,
	})
}

// GET /knowledge-space/metrics/compression
func (h *handler) handleCompressionMetrics(w http.ResponseWriter, r *http.Request) {
	spaceID, err := h.spaceFor(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	metrics, err := h.engine.Store().CompressionMetrics(r.Context(), h.engine.Tenant(spaceID), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute compression metrics")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// GET /knowledge-space/debug/qdrant-diagnostics
func (h *handler) handleVectorDiagnostics(w http.ResponseWriter, r *http.Request) {
	spaceID, err := h.spaceFor(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	diag, err := h.engine.Store().VectorDiagnostics(r.Context(), h.engine.Tenant(spaceID), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute diagnostics")
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

// POST /api/generate_graph
func (h *handler) handleGenerateGraph(w http.ResponseWriter, r *http.Request) {
	spaceID, err := h.spaceFor(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	snapshot, err := h.engine.GenerateGraph(r.Context(), spaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build graph")
		slog.Error("generate-graph", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a knowledgebase.Error's Kind to an HTTP status,
// falling back to 500 for unclassified errors.
func writeEngineError(w http.ResponseWriter, err error, fallbackMsg string) {
	var kerr *knowledgebase.Error
	if errors.As(err, &kerr) {
		writeJSON(w, statusForKind(kerr.Kind), map[string]string{"error": kerr.Message})
		return
	}
	writeError(w, http.StatusInternalServerError, fallbackMsg)
}

func statusForKind(kind knowledgebase.ErrorKind) int {
	switch kind {
	case knowledgebase.KindQuotaExceeded, knowledgebase.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case knowledgebase.KindUnsupportedType, knowledgebase.KindTypeMismatch:
		return http.StatusUnsupportedMediaType
	case knowledgebase.KindConflict:
		return http.StatusConflict
	case knowledgebase.KindRateLimited:
		return http.StatusTooManyRequests
	case knowledgebase.KindNotFound:
		return http.StatusNotFound
	case knowledgebase.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
