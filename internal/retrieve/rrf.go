// Package retrieve implements hybrid retrieval: parallel multi-collection
// vector search merged by reciprocal rank fusion, optional chunk-neighbor
// expansion, and bounded graph expansion over shared entities.
package retrieve

import (
	"sort"

	"agentmemory/internal/vectorstore"
)

const defaultRRFK = 60

// sourceHit is one source collection's view of a candidate, kept alongside
// its rank within that source.
type sourceHit struct {
	source string
	rank   int
	hit    vectorstore.Hit
}

// fused is one item's merged view across every source it appeared in.
type fused struct {
	id           string
	score        float64
	bestRank     int
	collections  map[string]bool
	text         string
	metadata     map[string]string
}

// rrfMerge implements the reciprocal rank fusion step: for every distinct
// item id across sources, score = sum over sources of 1/(k+rank). Ties
// break by lowest best-source-rank, then lexicographic ID, matching the
// ordering guarantee in the component contract.
func rrfMerge(bySource map[string][]sourceHit, k int) []fused {
	if k <= 0 {
		k = defaultRRFK
	}
	items := make(map[string]*fused)
	for source, hits := range bySource {
		for _, sh := range hits {
			f, ok := items[sh.hit.ID]
			if !ok {
				f = &fused{id: sh.hit.ID, bestRank: sh.rank, collections: map[string]bool{}, text: sh.hit.Text, metadata: sh.hit.Metadata}
				items[sh.hit.ID] = f
			}
			f.score += 1.0 / float64(k+sh.rank)
			f.collections[source] = true
			if sh.rank < f.bestRank {
				f.bestRank = sh.rank
			}
		}
	}

	out := make([]fused, 0, len(items))
	for _, f := range items {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].bestRank != out[j].bestRank {
			return out[i].bestRank < out[j].bestRank
		}
		return out[i].id < out[j].id
	})
	return out
}

// rankBySource sorts hits ascending by distance-equivalent (here, Qdrant's
// Score is similarity, so higher is better: rank 1 is the best match) and
// assigns dense ranks starting at 1.
func rankBySource(source string, hits []vectorstore.Hit) []sourceHit {
	sorted := make([]vectorstore.Hit, len(hits))
	copy(sorted, hits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	out := make([]sourceHit, len(sorted))
	for i, h := range sorted {
		out[i] = sourceHit{source: source, rank: i + 1, hit: h}
	}
	return out
}
