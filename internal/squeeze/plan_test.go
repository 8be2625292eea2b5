package squeeze

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSize(t *testing.T) {
	cases := []struct {
		pages, parallelism, want int
	}{
		{10, 4, 3},
		{8, 4, 2},
		{1, 8, 1},
		{0, 4, 1},
		{7, 0, 7},
		{100, 3, 34},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ChunkSize(c.pages, c.parallelism), "pages=%d parallelism=%d", c.pages, c.parallelism)
	}
}

func TestPlanTenPagesChunkThree(t *testing.T) {
	got := Plan(10, 3)
	assert.Equal(t, []PageRange{
		{Start: 1, End: 3, Ordinal: 0},
		{Start: 4, End: 6, Ordinal: 1},
		{Start: 7, End: 9, Ordinal: 2},
		{Start: 10, End: 10, Ordinal: 3},
	}, got)
}

func TestPlanEmptyAndClamped(t *testing.T) {
	assert.Empty(t, Plan(0, 3))
	assert.Empty(t, Plan(-1, 3))
	assert.Len(t, Plan(3, 0), 3)
}

func TestPlanCoversEveryPageOnce(t *testing.T) {
	for pages := 1; pages <= 40; pages++ {
		for par := 1; par <= 9; par++ {
			ranges := Plan(pages, ChunkSize(pages, par))
			require.NotEmpty(t, ranges)
			assert.LessOrEqual(t, len(ranges), par)
			next := 1
			for i, r := range ranges {
				assert.Equal(t, next, r.Start)
				assert.GreaterOrEqual(t, r.End, r.Start)
				assert.Equal(t, i, r.Ordinal)
				next = r.End + 1
			}
			assert.Equal(t, pages+1, next)
		}
	}
}

func TestChunkNameRoundTrip(t *testing.T) {
	r := PageRange{Start: 10, End: 12}
	assert.Equal(t, "chunk_10-12.pdf", ChunkName(r))
	assert.Equal(t, 3, r.Pages())

	got, ok := ParseChunkName("/tmp/x/compressed/chunk_10-12.pdf")
	require.True(t, ok)
	assert.Equal(t, 10, got.Start)
	assert.Equal(t, 12, got.End)

	for _, bad := range []string{"chunk_3.pdf", "chunk_a-b.pdf", "chunk_5-4.pdf", "chunk_0-1.pdf", "page_1-2.pdf", "chunk_1-2.png"} {
		_, ok := ParseChunkName(bad)
		assert.False(t, ok, bad)
	}
}

func TestSortChunkPathsIsNumeric(t *testing.T) {
	got, err := SortChunkPaths([]string{"d/chunk_10-10.pdf", "d/chunk_2-2.pdf", "d/chunk_1-1.pdf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d/chunk_1-1.pdf", "d/chunk_2-2.pdf", "d/chunk_10-10.pdf"}, got)

	_, err = SortChunkPaths([]string{"d/notes.txt"})
	assert.Error(t, err)
}

func TestWorkspaceLayout(t *testing.T) {
	parent := t.TempDir()
	ws, err := NewWorkspace(parent)
	require.NoError(t, err)
	require.NoError(t, ws.Ensure())
	require.NoError(t, ws.Ensure())

	assert.DirExists(t, ws.SplitDir())
	assert.DirExists(t, ws.CompressedDir())
	split := ws.SplitPath(PageRange{Start: 1, End: 3})
	assert.Equal(t, filepath.Join(ws.CompressedDir(), "chunk_1-3.pdf"), ws.CompressedPath(split))

	other, err := NewWorkspace(parent)
	require.NoError(t, err)
	assert.NotEqual(t, ws.Root(), other.Root())

	require.NoError(t, ws.Release())
	assert.NoDirExists(t, ws.Root())
	assert.DirExists(t, other.Root())
}

func TestEnsureDirConcurrent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b")
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- EnsureDir(target)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.DirExists(t, target)
}

func TestSweepStale(t *testing.T) {
	parent := t.TempDir()
	old, err := NewWorkspace(parent)
	require.NoError(t, err)
	fresh, err := NewWorkspace(parent)
	require.NoError(t, err)
	unrelated := filepath.Join(parent, "keep-me")
	require.NoError(t, os.Mkdir(unrelated, 0o755))

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old.Root(), past, past))
	require.NoError(t, os.Chtimes(unrelated, past, past))

	n, err := SweepStale(parent, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, old.Root())
	assert.DirExists(t, fresh.Root())
	assert.DirExists(t, unrelated)
}
