package squeeze

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// PageRange is a contiguous, 1-based, inclusive span of pages. Ordinal is the
// position of the range within its plan.
type PageRange struct {
	Start   int
	End     int
	Ordinal int
}

// Pages returns the number of pages covered by r.
func (r PageRange) Pages() int { return r.End - r.Start + 1 }

func (r PageRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// ChunkSize returns ceil(pageCount/parallelism), never less than one.
func ChunkSize(pageCount, parallelism int) int {
	if parallelism < 1 {
		parallelism = 1
	}
	if pageCount < 1 {
		return 1
	}
	return (pageCount + parallelism - 1) / parallelism
}

// Plan partitions [1, pageCount] into contiguous ranges of at most chunkSize
// pages. A zero page count yields an empty plan.
func Plan(pageCount, chunkSize int) []PageRange {
	if pageCount <= 0 {
		return nil
	}
	if chunkSize < 1 {
		chunkSize = 1
	}
	ranges := make([]PageRange, 0, (pageCount+chunkSize-1)/chunkSize)
	for start := 1; start <= pageCount; start += chunkSize {
		ranges = append(ranges, PageRange{
			Start:   start,
			End:     min(start+chunkSize-1, pageCount),
			Ordinal: len(ranges),
		})
	}
	return ranges
}

const (
	chunkPrefix = "chunk_"
	chunkExt    = ".pdf"
)

// ChunkName is the artifact filename for r, e.g. chunk_4-6.pdf.
func ChunkName(r PageRange) string {
	return fmt.Sprintf("%s%d-%d%s", chunkPrefix, r.Start, r.End, chunkExt)
}

// ParseChunkName recovers the page range encoded in an artifact filename.
// Ordinal is not encoded and is left zero.
func ParseChunkName(name string) (PageRange, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, chunkPrefix) || !strings.HasSuffix(base, chunkExt) {
		return PageRange{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(base, chunkPrefix), chunkExt)
	lo, hi, ok := strings.Cut(body, "-")
	if !ok {
		return PageRange{}, false
	}
	start, err := strconv.Atoi(lo)
	if err != nil {
		return PageRange{}, false
	}
	end, err := strconv.Atoi(hi)
	if err != nil {
		return PageRange{}, false
	}
	if start < 1 || end < start {
		return PageRange{}, false
	}
	return PageRange{Start: start, End: end}, true
}

// SortChunkPaths orders artifact paths by the numeric range in their names,
// so chunk_2-2.pdf precedes chunk_10-10.pdf.
func SortChunkPaths(paths []string) ([]string, error) {
	type entry struct {
		path string
		r    PageRange
	}
	entries := make([]entry, 0, len(paths))
	for _, p := range paths {
		r, ok := ParseChunkName(p)
		if !ok {
			return nil, fmt.Errorf("not a chunk artifact: %s", p)
		}
		entries = append(entries, entry{path: p, r: r})
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		return cmp.Or(cmp.Compare(a.r.Start, b.r.Start), cmp.Compare(a.r.End, b.r.End))
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}
