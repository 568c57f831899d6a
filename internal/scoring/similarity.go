// Package scoring provides the pure scoring functions used to grade model
// predictions: an ANLS-style text similarity and a rectangle IoU.
package scoring

import (
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/timmy/docvqa/internal/domain"
)

// DefaultThreshold is the minimum similarity below which a score is clamped
// to zero. The clamp separates "wrong answer" from near-miss OCR noise and
// is deliberate; do not replace it with the raw similarity.
const DefaultThreshold = 0.5

// TextSimilarity computes the best normalized edit-distance similarity of a
// prediction against a set of acceptable ground truths. Both sides are
// lowercased and trimmed before comparison. Scores below threshold are
// clamped to 0. The result is in [0, 1].
func TextSimilarity(prediction string, groundTruths []string, threshold float64) float64 {
	pred := normalize(prediction)

	best := 0.0
	for _, gt := range groundTruths {
		truth := normalize(gt)
		score := similarity(pred, truth)
		if score < threshold {
			score = 0
		}
		if score > best {
			best = score
		}
	}
	return best
}

// similarity returns 1 - distance/maxLen over rune counts. Two empty
// strings are identical, hence the max(..., 1) denominator.
func similarity(a, b string) float64 {
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// OverlapRatio computes intersection-over-union of two axis-aligned boxes in
// a shared coordinate space. Degenerate boxes, disjoint boxes, and a zero
// union all yield 0.
func OverlapRatio(a, b domain.BoundingBox) float64 {
	areaA := area(a)
	areaB := area(b)
	if areaA <= 0 || areaB <= 0 {
		return 0
	}

	ix0 := math.Max(a[0], b[0])
	iy0 := math.Max(a[1], b[1])
	ix1 := math.Min(a[2], b[2])
	iy1 := math.Min(a[3], b[3])

	iw := ix1 - ix0
	ih := iy1 - iy0
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func area(b domain.BoundingBox) float64 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}
