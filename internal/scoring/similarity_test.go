package scoring

import (
	"math"
	"testing"

	"github.com/timmy/docvqa/internal/domain"
)

func TestTextSimilarityExactMatch(t *testing.T) {
	testCases := []struct {
		name string
		text string
	}{
		{name: "word", text: "invoice"},
		{name: "sentence", text: "total amount due"},
		{name: "unicode", text: "发票金额"},
		{name: "empty", text: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := TextSimilarity(tc.text, []string{tc.text}, DefaultThreshold)
			if got != 1 {
				t.Errorf("TextSimilarity(%q, [same]) = %v, want 1", tc.text, got)
			}
		})
	}
}

func TestTextSimilarityNormalization(t *testing.T) {
	got := TextSimilarity("  Invoice Total ", []string{"invoice total"}, DefaultThreshold)
	if got != 1 {
		t.Errorf("case/whitespace should be ignored, got %v", got)
	}
}

func TestTextSimilarityThresholdClamp(t *testing.T) {
	// "abc" vs "xyz": distance 3, maxLen 3, raw score 0 -> clamped anyway.
	if got := TextSimilarity("abc", []string{"xyz"}, 0.5); got != 0 {
		t.Errorf("disjoint strings = %v, want 0", got)
	}

	// "abcd" vs "abxy": distance 2, raw score 0.5, at the threshold boundary
	// it must survive.
	if got := TextSimilarity("abcd", []string{"abxy"}, 0.5); got != 0.5 {
		t.Errorf("boundary score = %v, want 0.5", got)
	}

	// Same pair with a stricter threshold is clamped to 0.
	if got := TextSimilarity("abcd", []string{"abxy"}, 0.6); got != 0 {
		t.Errorf("below-threshold score = %v, want 0", got)
	}
}

func TestTextSimilarityBestOfGroundTruths(t *testing.T) {
	got := TextSimilarity("42 dollars", []string{"forty two", "42 dollars", "nope"}, DefaultThreshold)
	if got != 1 {
		t.Errorf("best ground truth should win, got %v", got)
	}
}

func TestTextSimilarityNoGroundTruths(t *testing.T) {
	if got := TextSimilarity("anything", nil, DefaultThreshold); got != 0 {
		t.Errorf("no ground truths = %v, want 0", got)
	}
}

func TestOverlapRatioIdentity(t *testing.T) {
	box := domain.BoundingBox{0.1, 0.2, 0.6, 0.8}
	if got := OverlapRatio(box, box); math.Abs(got-1) > 1e-9 {
		t.Errorf("OverlapRatio(box, box) = %v, want 1", got)
	}
}

func TestOverlapRatioDisjoint(t *testing.T) {
	a := domain.BoundingBox{0, 0, 0.4, 0.4}
	b := domain.BoundingBox{0.5, 0.5, 0.9, 0.9}
	if got := OverlapRatio(a, b); got != 0 {
		t.Errorf("disjoint boxes = %v, want 0", got)
	}
}

func TestOverlapRatioSymmetric(t *testing.T) {
	a := domain.BoundingBox{0, 0, 0.5, 0.5}
	b := domain.BoundingBox{0.25, 0.25, 0.75, 0.75}
	ab := OverlapRatio(a, b)
	ba := OverlapRatio(b, a)
	if ab != ba {
		t.Errorf("OverlapRatio not symmetric: %v != %v", ab, ba)
	}
	// 0.25x0.25 intersection over (0.25 + 0.25 - 0.0625) union.
	want := 0.0625 / 0.4375
	if math.Abs(ab-want) > 1e-9 {
		t.Errorf("OverlapRatio = %v, want %v", ab, want)
	}
}

func TestOverlapRatioDegenerate(t *testing.T) {
	testCases := []struct {
		name string
		a    domain.BoundingBox
		b    domain.BoundingBox
	}{
		{
			name: "zero-area first box",
			a:    domain.BoundingBox{0.5, 0.5, 0.5, 0.5},
			b:    domain.BoundingBox{0, 0, 1, 1},
		},
		{
			name: "inverted corners",
			a:    domain.BoundingBox{0.8, 0.8, 0.2, 0.2},
			b:    domain.BoundingBox{0, 0, 1, 1},
		},
		{
			name: "both degenerate",
			a:    domain.BoundingBox{},
			b:    domain.BoundingBox{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := OverlapRatio(tc.a, tc.b); got != 0 {
				t.Errorf("OverlapRatio = %v, want 0", got)
			}
		})
	}
}
