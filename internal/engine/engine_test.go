package engine

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/Incsync/internal/adapter/local"
	"github.com/Ning0612/Incsync/internal/config"
	"github.com/Ning0612/Incsync/internal/domain"
	"github.com/Ning0612/Incsync/internal/history"
	"github.com/Ning0612/Incsync/internal/progress"
	"github.com/Ning0612/Incsync/internal/testutil"
)

type fixture struct {
	src     string
	out     string
	history string
	cfg     *config.Config
}

func newFixture(t *testing.T, hashing bool, exts ...string) *fixture {
	t.Helper()

	base := t.TempDir()
	f := &fixture{
		src:     filepath.Join(base, "src"),
		out:     filepath.Join(base, "out"),
		history: filepath.Join(base, "state", "history.json"),
	}
	require.NoError(t, os.MkdirAll(f.src, 0755))

	if len(exts) == 0 {
		exts = []string{"md"}
	}
	f.cfg = &config.Config{
		FileExtensions:   exts,
		ScanPaths:        []string{f.src},
		OutputDir:        f.out,
		HistoryStorePath: f.history,
		CalculateMD5Hash: hashing,
		PruneMissing:     true,
		FollowSymlinks:   true,
	}
	f.cfg.Normalize()
	require.NoError(t, f.cfg.Validate())
	return f
}

func (f *fixture) run(t *testing.T) *domain.RunStats {
	t.Helper()

	e, err := New(Options{Config: f.cfg})
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stats)
	return stats
}

func (f *fixture) loadHistory(t *testing.T) *history.Store {
	t.Helper()

	store, err := history.Load(f.history)
	require.NoError(t, err)
	return store
}

func (f *fixture) readOutput(t *testing.T, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(f.out, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func assertCounts(t *testing.T, stats *domain.RunStats, copied, unchanged, failed int) {
	t.Helper()

	assert.Equal(t, copied, stats.FilesCopied, "copied")
	assert.Equal(t, unchanged, stats.FilesUnchanged, "unchanged")
	assert.Equal(t, failed, stats.FilesInError, "errors")
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRun_FirstRunCopiesMatchingFiles(t *testing.T) {
	f := newFixture(t, true)
	readme := testutil.WriteFile(t, filepath.Join(f.src, "readme.md"), []byte("# hello"), time.Time{})
	testutil.WriteFile(t, filepath.Join(f.src, "notes.txt"), []byte("ignored"), time.Time{})

	stats := f.run(t)

	assertCounts(t, stats, 1, 0, 0)
	assert.Equal(t, int64(len("# hello")), stats.BytesCopied)
	assert.Equal(t, domain.RunSuccess, stats.Status())
	assert.False(t, stats.EndTime.IsZero())

	assert.Equal(t, "# hello", f.readOutput(t, "readme.md"))
	_, err := os.Stat(filepath.Join(f.out, "notes.txt"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	store := f.loadHistory(t)
	assert.Equal(t, 1, store.Len())
	elem, ok := store.Get(readme)
	require.True(t, ok)
	require.NotNil(t, elem.Hash)
	assert.Equal(t, "md5", elem.HashAlgorithm)
	assert.Len(t, *elem.Hash, 32)
}

func TestRun_SecondRunIsUnchanged(t *testing.T) {
	for _, hashing := range []bool{true, false} {
		t.Run(map[bool]string{true: "hashing", false: "metadata"}[hashing], func(t *testing.T) {
			f := newFixture(t, hashing)
			testutil.WriteTree(t, f.src, map[string]string{
				"a.md":        "a",
				"docs/b.md":   "bb",
				"docs/c/d.md": "ddd",
			})

			assertCounts(t, f.run(t), 3, 0, 0)
			stats := f.run(t)
			assertCounts(t, stats, 0, 3, 0)
			assert.Zero(t, stats.BytesCopied)
			assert.Equal(t, "ddd", f.readOutput(t, "docs/c/d.md"))
		})
	}
}

func TestRun_ModifiedFileIsCopiedAgain(t *testing.T) {
	f := newFixture(t, true)
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	path := testutil.WriteFile(t, filepath.Join(f.src, "a.md"), []byte("one"), past)
	testutil.WriteFile(t, filepath.Join(f.src, "b.md"), []byte("stays"), past)

	assertCounts(t, f.run(t), 2, 0, 0)

	testutil.WriteFile(t, path, []byte("two"), past.Add(time.Minute))

	stats := f.run(t)
	assertCounts(t, stats, 1, 1, 0)
	assert.Equal(t, "two", f.readOutput(t, "a.md"))

	info, err := os.Stat(filepath.Join(f.out, "a.md"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past.Add(time.Minute)), "mtime preserved")
}

func TestRun_TouchedButIdenticalFileIsUnchanged(t *testing.T) {
	f := newFixture(t, true)
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	path := testutil.WriteFile(t, filepath.Join(f.src, "a.md"), []byte("same"), past)

	assertCounts(t, f.run(t), 1, 0, 0)

	testutil.SetMtime(t, path, past.Add(time.Minute))
	assertCounts(t, f.run(t), 0, 1, 0)

	// The new mtime was recorded, so the next run needs no hashing
	elem, ok := f.loadHistory(t).Get(path)
	require.True(t, ok)
	assert.Equal(t, past.Add(time.Minute).UnixNano(), elem.ModifiedTime)
}

func TestRun_TouchedFileWithoutHashingIsCopied(t *testing.T) {
	f := newFixture(t, false)
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	path := testutil.WriteFile(t, filepath.Join(f.src, "a.md"), []byte("same"), past)

	assertCounts(t, f.run(t), 1, 0, 0)
	testutil.SetMtime(t, path, past.Add(time.Minute))
	assertCounts(t, f.run(t), 1, 0, 0)

	elem, ok := f.loadHistory(t).Get(path)
	require.True(t, ok)
	assert.Nil(t, elem.Hash)
}

func TestRun_UnreadableFileIsCountedAsError(t *testing.T) {
	testutil.SkipIfRoot(t)

	f := newFixture(t, true)
	testutil.WriteTree(t, f.src, map[string]string{"a.md": "a", "b.md": "b"})
	locked := testutil.WriteFile(t, filepath.Join(f.src, "locked.md"), []byte("secret"), time.Time{})
	require.NoError(t, os.Chmod(locked, 0000))
	t.Cleanup(func() { os.Chmod(locked, 0644) })

	stats := f.run(t)
	assertCounts(t, stats, 2, 0, 1)
	assert.Equal(t, domain.RunPartial, stats.Status())

	require.Len(t, stats.Errors, 1)
	assert.Equal(t, locked, stats.Errors[0].Path)
	assert.ErrorIs(t, stats.Errors[0], domain.ErrIO)

	_, ok := f.loadHistory(t).Get(locked)
	assert.False(t, ok, "failed file must not be recorded")
}

func TestRun_ExtensionsAreCaseInsensitive(t *testing.T) {
	f := newFixture(t, false, ".MD", "Txt")
	testutil.WriteTree(t, f.src, map[string]string{
		"A.Md":      "a",
		"b.TXT":     "b",
		"c.md.bak":  "c",
		"noext":     "d",
		"sub/e.txt": "e",
	})

	stats := f.run(t)
	assertCounts(t, stats, 3, 0, 0)
	assert.Equal(t, "a", f.readOutput(t, "A.Md"))
	assert.Equal(t, "e", f.readOutput(t, "sub/e.txt"))
}

func TestRun_CorruptHistory(t *testing.T) {
	f := newFixture(t, false)
	testutil.WriteTree(t, f.src, map[string]string{"a.md": "a"})
	testutil.WriteFile(t, f.history, []byte("{not json"), time.Time{})

	e, err := New(Options{Config: f.cfg})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrCorruptHistory)
	assert.True(t, domain.IsFatal(err))

	// Nothing was copied and the damaged file was left alone
	_, statErr := os.Stat(filepath.Join(f.out, "a.md"))
	assert.True(t, errors.Is(statErr, fs.ErrNotExist))
	data, readErr := os.ReadFile(f.history)
	require.NoError(t, readErr)
	assert.Equal(t, "{not json", string(data))

	f.cfg.ResetCorruptHistory = true
	assertCounts(t, f.run(t), 1, 0, 0)
	assert.Equal(t, 1, f.loadHistory(t).Len())
}

func TestRun_OutputSetupFailure(t *testing.T) {
	f := newFixture(t, false)
	testutil.WriteTree(t, f.src, map[string]string{"a.md": "a"})
	testutil.WriteFile(t, f.out, []byte("a file, not a directory"), time.Time{})

	e, err := New(Options{Config: f.cfg})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrFilesystemSetup)
	assert.True(t, domain.IsFatal(err))

	_, statErr := os.Stat(f.history)
	assert.True(t, errors.Is(statErr, fs.ErrNotExist), "history must not be written")
}

func TestRun_MissingRootIsCountedAndSkipsPrune(t *testing.T) {
	f := newFixture(t, false)
	testutil.WriteTree(t, f.src, map[string]string{"a.md": "a", "b.md": "b"})
	assertCounts(t, f.run(t), 2, 0, 0)

	require.NoError(t, os.Remove(filepath.Join(f.src, "b.md")))
	f.cfg.ScanPaths = append(f.cfg.ScanPaths, filepath.Join(filepath.Dir(f.src), "missing"))

	stats := f.run(t)
	assertCounts(t, stats, 0, 1, 1)
	assert.Equal(t, "scan", stats.Errors[0].Op)
	assert.Zero(t, stats.EntriesPruned)
	assert.Equal(t, 2, f.loadHistory(t).Len())
}

func TestRun_PrunesMissingFiles(t *testing.T) {
	f := newFixture(t, false)
	testutil.WriteTree(t, f.src, map[string]string{"a.md": "a", "b.md": "b"})
	assertCounts(t, f.run(t), 2, 0, 0)

	gone := filepath.Join(f.src, "b.md")
	require.NoError(t, os.Remove(gone))

	stats := f.run(t)
	assertCounts(t, stats, 0, 1, 0)
	assert.Equal(t, 1, stats.EntriesPruned)

	store := f.loadHistory(t)
	_, ok := store.Get(gone)
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len())

	// Output copies are never deleted
	assert.Equal(t, "b", f.readOutput(t, "b.md"))
}

func TestRun_PruneDisabledKeepsEntries(t *testing.T) {
	f := newFixture(t, false)
	testutil.WriteTree(t, f.src, map[string]string{"a.md": "a", "b.md": "b"})
	f.cfg.PruneMissing = false
	assertCounts(t, f.run(t), 2, 0, 0)

	require.NoError(t, os.Remove(filepath.Join(f.src, "b.md")))

	stats := f.run(t)
	assert.Zero(t, stats.EntriesPruned)
	assert.Equal(t, 2, f.loadHistory(t).Len())
}

func TestRun_DuplicateDestinationLaterRootWins(t *testing.T) {
	f := newFixture(t, false)
	second := filepath.Join(filepath.Dir(f.src), "src2")
	testutil.WriteTree(t, f.src, map[string]string{"shared/x.md": "from first"})
	testutil.WriteTree(t, second, map[string]string{"shared/x.md": "from second"})
	f.cfg.ScanPaths = append(f.cfg.ScanPaths, second)
	f.cfg.Workers = 8

	stats := f.run(t)
	assertCounts(t, stats, 2, 0, 0)
	assert.Equal(t, "from second", f.readOutput(t, "shared/x.md"))
	assert.Equal(t, 2, f.loadHistory(t).Len())
}

func TestRun_CancelledRun(t *testing.T) {
	f := newFixture(t, true)
	for _, name := range []string{"a.md", "b.md", "c.md", "d.md", "e.md", "f.md"} {
		testutil.WriteFile(t, filepath.Join(f.src, name), []byte(name), time.Time{})
	}
	f.cfg.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	reporter := progress.NewCallbackReporter(func(u progress.Update) {
		if u.Type == progress.UpdateComplete {
			once.Do(cancel)
		}
	})

	e, err := New(Options{Config: f.cfg, Reporter: reporter})
	require.NoError(t, err)

	stats, err := e.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, stats)

	assert.GreaterOrEqual(t, stats.FilesCopied, 1)
	assert.Less(t, stats.FilesCopied, 6)
	assert.Zero(t, stats.FilesInError)

	// Every completed copy is in the saved history
	assert.Equal(t, stats.FilesCopied, f.loadHistory(t).Len())

	err = filepath.WalkDir(f.out, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		assert.False(t, local.IsTempFile(d.Name()), "temp file %s left behind", path)
		return nil
	})
	require.NoError(t, err)

	// A later run picks up the rest
	stats = f.run(t)
	assert.Equal(t, 6, stats.FilesCopied+stats.FilesUnchanged)
}

func TestRun_CheckpointSavesDuringRun(t *testing.T) {
	f := newFixture(t, false)
	testutil.WriteTree(t, f.src, map[string]string{"a.md": "a", "b.md": "b", "c.md": "c"})
	f.cfg.CheckpointEvery = 1
	f.cfg.Workers = 1

	var mu sync.Mutex
	var seen []int
	reporter := progress.NewCallbackReporter(func(u progress.Update) {
		if u.Type != progress.UpdateOverall {
			return
		}
		// The checkpoint for a file is written before its overall update
		store, err := history.Load(f.history)
		if err != nil {
			return
		}
		mu.Lock()
		seen = append(seen, store.Len())
		mu.Unlock()
	})

	e, err := New(Options{Config: f.cfg, Reporter: reporter})
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRun_InjectedOutput(t *testing.T) {
	f := newFixture(t, true)
	testutil.WriteTree(t, f.src, map[string]string{"dir/a.md": "in memory"})

	out := local.NewWithFS(memfs.New())
	e, err := New(Options{Config: f.cfg, Output: out})
	require.NoError(t, err)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assertCounts(t, stats, 1, 0, 0)

	rc, err := out.Read(context.Background(), "dir/a.md")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "in memory", string(data))

	_, statErr := os.Stat(f.out)
	assert.True(t, errors.Is(statErr, fs.ErrNotExist), "disk output untouched")
}

func TestRun_RestoreMissingCopies(t *testing.T) {
	f := newFixture(t, false)
	testutil.WriteTree(t, f.src, map[string]string{
		"a.md":     "a",
		"sub/b.md": "b",
		"sub/c.md": "c",
	})
	assertCounts(t, f.run(t), 3, 0, 0)

	require.NoError(t, os.Remove(filepath.Join(f.out, "sub", "b.md")))

	// Off by default: history says unchanged, so nothing is copied
	assertCounts(t, f.run(t), 0, 3, 0)
	_, err := os.Stat(filepath.Join(f.out, "sub", "b.md"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	f.cfg.RestoreMissing = true
	assertCounts(t, f.run(t), 1, 2, 0)
	assert.Equal(t, "b", f.readOutput(t, "sub/b.md"))

	assertCounts(t, f.run(t), 0, 3, 0)

	// A truncated copy is replaced as well
	require.NoError(t, os.WriteFile(filepath.Join(f.out, "a.md"), nil, 0644))
	assertCounts(t, f.run(t), 1, 2, 0)
	assert.Equal(t, "a", f.readOutput(t, "a.md"))
}

func TestRun_CopiesKeepSourcePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}

	f := newFixture(t, false)
	modes := map[string]os.FileMode{
		"shared.md":  0644,
		"group.md":   0640,
		"script.md":  0755,
		"private.md": 0600,
	}
	for name, mode := range modes {
		path := testutil.CreateTestFile(t, f.src, name, []byte(name))
		require.NoError(t, os.Chmod(path, mode))
	}

	assertCounts(t, f.run(t), len(modes), 0, 0)

	for name, mode := range modes {
		info, err := os.Stat(filepath.Join(f.out, name))
		require.NoError(t, err)
		assert.Equal(t, mode, info.Mode().Perm(), name)
	}

	info, err := os.Stat(f.history)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(history.FileMode), info.Mode().Perm())
}

func TestRun_VanishedSourceForgotten(t *testing.T) {
	f := newFixture(t, false)
	path := testutil.CreateTestFile(t, f.src, "a.md", []byte("v1"))
	assertCounts(t, f.run(t), 1, 0, 0)

	testutil.SetMtime(t, path, time.Now().Add(time.Hour))

	// Remove the source after the scan saw it, just before it is read
	reporter := progress.NewCallbackReporter(func(u progress.Update) {
		if u.Type == progress.UpdateStart {
			os.Remove(u.CurrentFile)
		}
	})
	e, err := New(Options{Config: f.cfg, Reporter: reporter})
	require.NoError(t, err)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assertCounts(t, stats, 0, 0, 1)

	_, ok := f.loadHistory(t).Get(path)
	assert.False(t, ok, "history entry of a vanished source is removed")
}
