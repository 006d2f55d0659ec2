package vector

import "sort"

// scoreAndRank scores records (given in insertion order) against query, drops
// scores below threshold, sorts by descending score keeping insertion order for
// ties, and truncates to limit. A limit <= 0 keeps every hit.
func scoreAndRank(query []float32, records []*VectorRecord, limit int, threshold float64) []SearchResult {
	hits := make([]SearchResult, 0, len(records))
	for _, r := range records {
		score := CosineSimilarity(query, r.Embedding)
		if score < threshold {
			continue
		}
		hits = append(hits, SearchResult{Record: r, Score: score})
	}
	return rank(hits, limit)
}

// rank sorts hits (already in insertion order) and applies limit.
func rank(hits []SearchResult, limit int) []SearchResult {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
