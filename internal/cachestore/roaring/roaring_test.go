package roaring

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
)

func TestToBitmapRoundTrip(t *testing.T) {
	ids := []int64{1, 5, 100, 99999}
	bm, err := toBitmap(ids)
	if err != nil {
		t.Fatalf("toBitmap() error = %v", err)
	}
	set := bitmapToIDSet(bm)
	if set.Len() != len(ids) {
		t.Fatalf("bitmapToIDSet() len = %d, want %d", set.Len(), len(ids))
	}
	for _, id := range ids {
		if !bm.Contains(uint32(id)) {
			t.Errorf("bitmap missing id %d", id)
		}
	}
}

func TestToBitmapRejectsNegative(t *testing.T) {
	if _, err := toBitmap([]int64{-1}); err == nil {
		t.Error("toBitmap(-1) expected BitRangeError")
	}
}

func TestSortByCardinality(t *testing.T) {
	a, _ := toBitmap([]int64{1, 2, 3, 4, 5})
	b, _ := toBitmap([]int64{1})
	c, _ := toBitmap([]int64{1, 2, 3})

	bitmaps := []*roaring.Bitmap{a, b, c}
	sortByCardinality(bitmaps)

	for i := 1; i < len(bitmaps); i++ {
		if bitmaps[i-1].GetCardinality() > bitmaps[i].GetCardinality() {
			t.Fatalf("sortByCardinality() not ascending at %d", i)
		}
	}
}
