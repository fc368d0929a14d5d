package pagestats

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_Duplicates(t *testing.T) {
	tr := New(10)

	for i := 0; i < 100; i++ {
		tr.Add("/", "visitor-a")
	}

	assert.Equal(t, uint64(1), tr.Estimate("/"))
	assert.Equal(t, uint64(0), tr.Estimate("/missing"))
}

func TestTracker_ManyVisitors(t *testing.T) {
	tr := New(10)

	n := 10000
	for i := 0; i < n; i++ {
		tr.Add("/", fmt.Sprintf("visitor-%d", i))
	}

	count := tr.Estimate("/")
	errorRate := float64(int64(count)-int64(n)) / float64(n)
	if errorRate < 0 {
		errorRate = -errorRate
	}

	t.Logf("Expected %d, got %d (error: %.2f%%)", n, count, errorRate*100)
	assert.Less(t, errorRate, 0.05, "error rate should be less than 5%%")
}

func TestTracker_PageLimitFoldsIntoOther(t *testing.T) {
	tr := New(2)

	assert.Equal(t, "/a", tr.Add("/a", "v1"))
	assert.Equal(t, "/b", tr.Add("/b", "v1"))
	assert.Equal(t, OtherPage, tr.Add("/c", "v1"))
	assert.Equal(t, OtherPage, tr.Add("/d", "v2"))

	// Known pages keep their own sketch.
	assert.Equal(t, "/a", tr.Add("/a", "v2"))

	assert.Equal(t, []string{"/a", "/b", OtherPage}, tr.Pages())
	assert.Equal(t, uint64(2), tr.Estimate(OtherPage))
	assert.Equal(t, uint64(2), tr.Estimate("/a"))
}

func TestNew_DefaultLimit(t *testing.T) {
	tr := New(0)
	assert.Equal(t, 100, tr.maxPages)
}
