package retrieval

import (
	"sort"

	"github.com/mindspring/knowledgebase/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods   []string `json:"methods"`
	VecRank   int      `json:"vec_rank,omitempty"`   // 1-based, 0 = not present
	FTSRank   int      `json:"fts_rank,omitempty"`   // 1-based, 0 = not present
	GraphRank int      `json:"graph_rank,omitempty"` // 1-based, 0 = not present
}

// fuseRRF implements Reciprocal Rank Fusion to combine results from
// multiple retrieval methods. Each result set is ranked independently,
// then scores are combined using: score = sum(weight_i / (k + rank_i)).
// It also returns per-result method contribution info keyed by ChunkID.
func fuseRRF(
	vecResults, ftsResults, graphResults []store.RetrievalResult,
	weightVec, weightFTS, weightGraph float64,
	maxResults int,
) ([]store.RetrievalResult, map[int64]FusedResultInfo) {
	// Map from chunk_id -> fused score and result data
	type fusedEntry struct {
		result store.RetrievalResult
		score  float64
		info   FusedResultInfo
	}

	fused := make(map[int64]*fusedEntry)

	// Add vector results with their RRF scores
	for rank, r := range vecResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightVec / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "vector")
		entry.info.VecRank = rank + 1
	}

	// Add FTS results
	for rank, r := range ftsResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightFTS / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "fts")
		entry.info.FTSRank = rank + 1
	}

	// Add graph results
	for rank, r := range graphResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightGraph / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "graph")
		entry.info.GraphRank = rank + 1
	}

	// Sort by fused score
	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].score > entries[j].score
	})

	// Limit results
	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.RetrievalResult, len(entries))
	infoMap := make(map[int64]FusedResultInfo, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.ChunkID] = e.info
	}

	return results, infoMap
}

// fuseWeighted combines result sets by a direct weighted sum of each
// method's own similarity/match score (no reciprocal-rank flattening), for
// RerankMode=weighted_score. Scores from different methods live on
// different scales (cosine distance vs FTS bm25 vs graph hit count), so
// each set is first min-max normalized to [0,1] before weighting.
func fuseWeighted(
	vecResults, ftsResults, graphResults []store.RetrievalResult,
	weightVec, weightFTS, weightGraph float64,
	maxResults int,
) ([]store.RetrievalResult, map[int64]FusedResultInfo) {
	type fusedEntry struct {
		result store.RetrievalResult
		score  float64
		info   FusedResultInfo
	}

	fused := make(map[int64]*fusedEntry)

	add := func(results []store.RetrievalResult, weight float64, rankField func(*FusedResultInfo, int)) {
		if len(results) == 0 || weight == 0 {
			return
		}
		normed := normalizeScores(results)
		for rank, r := range results {
			entry, ok := fused[r.ChunkID]
			if !ok {
				entry = &fusedEntry{result: r}
				fused[r.ChunkID] = entry
			}
			entry.score += weight * normed[rank]
			rankField(&entry.info, rank+1)
		}
	}

	add(vecResults, weightVec, func(i *FusedResultInfo, rank int) {
		i.Methods = append(i.Methods, "vector")
		i.VecRank = rank
	})
	add(ftsResults, weightFTS, func(i *FusedResultInfo, rank int) {
		i.Methods = append(i.Methods, "fts")
		i.FTSRank = rank
	})
	add(graphResults, weightGraph, func(i *FusedResultInfo, rank int) {
		i.Methods = append(i.Methods, "graph")
		i.GraphRank = rank
	})

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].score > entries[j].score
	})
	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.RetrievalResult, len(entries))
	infoMap := make(map[int64]FusedResultInfo, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.ChunkID] = e.info
	}
	return results, infoMap
}

// unionResults concatenates each method's results in its own rank order
// (vector, then fts, then graph), deduplicating by chunk ID and keeping the
// first occurrence, for RerankMode=none: no score blending, just whichever
// method surfaced the chunk first.
func unionResults(
	vecResults, ftsResults, graphResults []store.RetrievalResult,
	maxResults int,
) ([]store.RetrievalResult, map[int64]FusedResultInfo) {
	seen := make(map[int64]bool)
	infoMap := make(map[int64]FusedResultInfo)
	var out []store.RetrievalResult

	add := func(results []store.RetrievalResult, method string, rankField func(*FusedResultInfo, int)) {
		for rank, r := range results {
			info := infoMap[r.ChunkID]
			info.Methods = append(info.Methods, method)
			rankField(&info, rank+1)
			infoMap[r.ChunkID] = info
			if seen[r.ChunkID] {
				continue
			}
			seen[r.ChunkID] = true
			out = append(out, r)
		}
	}

	add(vecResults, "vector", func(i *FusedResultInfo, rank int) { i.VecRank = rank })
	add(ftsResults, "fts", func(i *FusedResultInfo, rank int) { i.FTSRank = rank })
	add(graphResults, "graph", func(i *FusedResultInfo, rank int) { i.GraphRank = rank })

	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	trimmed := make(map[int64]FusedResultInfo, len(out))
	for _, r := range out {
		trimmed[r.ChunkID] = infoMap[r.ChunkID]
	}
	return out, trimmed
}

// normalizeScores min-max scales a result set's scores to [0,1]. A set
// where every score is equal (or only one result) maps to all-1s so it
// doesn't get unfairly zeroed out relative to other methods.
func normalizeScores(results []store.RetrievalResult) []float64 {
	out := make([]float64, len(results))
	if len(results) == 0 {
		return out
	}
	min, max := results[0].Score, results[0].Score
	for _, r := range results {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	span := max - min
	for i, r := range results {
		if span == 0 {
			out[i] = 1
			continue
		}
		out[i] = (r.Score - min) / span
	}
	return out
}
