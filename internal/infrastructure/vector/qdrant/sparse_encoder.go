package qdrant

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type sparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

const (
	saturationK    = 1.2
	maxSparseTerms = 1024
)

// Field weights applied before BM25 saturation.
const (
	bodyWeight     = 1.0
	filenameWeight = 1.5
	tagWeight      = 1.5
	docTypeWeight  = 2.0
)

// encodeEntry hashes an index entry into a sparse vector. Body tokens come
// pre-tokenized; filename, tags and doc type are tokenized here and weighted
// above body text. Over maxSparseTerms only the heaviest terms survive.
func encodeEntry(entry domain.IndexEntry) sparseVector {
	tf := make(map[uint32]float64, len(entry.Tokens)+16)
	addTerms(tf, entry.Tokens, bodyWeight)
	addTerms(tf, splitTerms(entry.Fields["filename"]), filenameWeight)
	addTerms(tf, splitTerms(entry.DocType), docTypeWeight)
	for _, tag := range entry.Tags {
		addTerms(tf, splitTerms(tag), tagWeight)
	}
	return saturate(tf)
}

func addTerms(tf map[uint32]float64, terms []string, weight float64) {
	for _, term := range terms {
		if term != "" {
			tf[termIndex(term)] += weight
		}
	}
}

func saturate(tf map[uint32]float64) sparseVector {
	if len(tf) == 0 {
		return sparseVector{}
	}
	indices := make([]uint32, 0, len(tf))
	for idx := range tf {
		indices = append(indices, idx)
	}
	if len(indices) > maxSparseTerms {
		sort.Slice(indices, func(i, j int) bool {
			if tf[indices[i]] != tf[indices[j]] {
				return tf[indices[i]] > tf[indices[j]]
			}
			return indices[i] < indices[j]
		})
		indices = indices[:maxSparseTerms]
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := sparseVector{
		Indices: indices,
		Values:  make([]float32, len(indices)),
	}
	for i, idx := range indices {
		freq := tf[idx]
		w := freq * (saturationK + 1) / (freq + saturationK)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			w = 0
		}
		out.Values[i] = float32(w)
	}
	return out
}

// termIndex is FNV-1a; zero is reserved.
func termIndex(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	if sum := h.Sum32(); sum != 0 {
		return sum
	}
	return 1
}

func splitTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && !unicode.IsLetter(r)
	})
}
