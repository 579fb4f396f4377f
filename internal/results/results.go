package results

import (
	"math"

	"image-batch-go/internal/compressor"
)

// CompressedResult describes the outcome of compressing one image.
// ID is assigned by the service and used for later retrieval.
type CompressedResult struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Format         compressor.Format `json:"format"`
	OriginalSize   int64             `json:"originalSize"`
	CompressedSize int64             `json:"compressedSize"`
	SavingsPercent int               `json:"savings"`
}

// BatchStats aggregates the results of one batch.
type BatchStats struct {
	OriginalSize   int64 `json:"originalSize"`
	CompressedSize int64 `json:"compressedSize"`
	SavingsPercent int   `json:"savings"`
}

// Batch is the successful outcome of a compression run.
type Batch struct {
	Results []CompressedResult `json:"files"`
	Stats   BatchStats         `json:"stats"`
}

// Savings returns round(100 * (1 - compressed/original)), or 0 when original is 0.
func Savings(original, compressed int64) int {
	if original <= 0 {
		return 0
	}
	return int(math.Round(100 * (1 - float64(compressed)/float64(original))))
}

// NewBatch recomputes per-result savings and derives the aggregate stats,
// so the returned batch always satisfies the sum and rounding invariants.
func NewBatch(list []CompressedResult) *Batch {
	b := &Batch{Results: make([]CompressedResult, len(list))}
	for i, r := range list {
		r.SavingsPercent = Savings(r.OriginalSize, r.CompressedSize)
		b.Results[i] = r
		b.Stats.OriginalSize += r.OriginalSize
		b.Stats.CompressedSize += r.CompressedSize
	}
	b.Stats.SavingsPercent = Savings(b.Stats.OriginalSize, b.Stats.CompressedSize)
	return b
}
