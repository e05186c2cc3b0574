// Package engine runs one incremental sync pass: scan the source roots,
// classify every file against the history store, copy what is new or
// changed and persist the updated history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Ning0612/Incsync/internal/adapter"
	"github.com/Ning0612/Incsync/internal/adapter/local"
	"github.com/Ning0612/Incsync/internal/config"
	"github.com/Ning0612/Incsync/internal/core/checksum"
	"github.com/Ning0612/Incsync/internal/core/detect"
	"github.com/Ning0612/Incsync/internal/domain"
	"github.com/Ning0612/Incsync/internal/history"
	"github.com/Ning0612/Incsync/internal/logger"
	"github.com/Ning0612/Incsync/internal/progress"
	"github.com/Ning0612/Incsync/internal/scan"
)

// Options configures an Engine
type Options struct {
	// Config is required
	Config *config.Config

	// Output receives the copies. Defaults to a local adapter rooted at
	// Config.OutputDir.
	Output adapter.Adapter

	// Calculator is used for change detection. Defaults to
	// checksum.NewDefaultCalculator.
	Calculator checksum.Calculator

	// Reporter receives per-file progress. Defaults to progress.NullReporter.
	Reporter progress.Reporter

	// Logger defaults to the global logger
	Logger logger.Logger
}

// Engine runs sync passes for one configuration
type Engine struct {
	cfg      *config.Config
	output   adapter.Adapter
	calc     checksum.Calculator
	reporter progress.Reporter
	log      logger.Logger
}

// New creates an engine
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	e := &Engine{
		cfg:      opts.Config,
		output:   opts.Output,
		calc:     opts.Calculator,
		reporter: opts.Reporter,
		log:      opts.Logger,
	}
	if e.calc == nil {
		e.calc = checksum.NewDefaultCalculator()
	}
	if e.reporter == nil {
		e.reporter = progress.NullReporter{}
	}
	if e.log == nil {
		e.log = logger.With("component", "engine")
	}
	return e, nil
}

// run holds the state of a single pass
type run struct {
	*Engine

	ctx      context.Context
	output   adapter.Adapter
	store    *history.Store
	detector *detect.Detector

	mu    sync.Mutex
	stats *domain.RunStats

	// updates counts history mutations for checkpointing
	updates atomic.Int64
}

// Run performs one sync pass.
//
// The returned error is non-nil only for failures that abort the run:
// the output directory cannot be prepared (domain.ErrFilesystemSetup),
// the history store is corrupt (domain.ErrCorruptHistory), the history
// cannot be saved, or ctx was cancelled. Per-file failures are counted in
// the stats instead. Stats are returned in every case.
//
// On cancellation no new files are started, copies already in flight
// finish, and the history reflecting every completed copy is saved
// before ctx.Err() is returned.
func (e *Engine) Run(ctx context.Context) (*domain.RunStats, error) {
	stats := &domain.RunStats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	output, err := e.openOutput()
	if err != nil {
		return stats, err
	}

	store, err := e.loadHistory()
	if err != nil {
		return stats, err
	}

	r := &run{
		Engine: e,
		ctx:    ctx,
		output: output,
		store:  store,
		detector: detect.New(detect.Options{
			Hashing:    e.cfg.CalculateMD5Hash,
			Algorithm:  e.cfg.HashAlgorithm,
			Calculator: e.calc,
		}),
		stats: stats,
	}

	e.log.Info("sync started",
		"roots", len(e.cfg.ScanPaths),
		"output", e.cfg.OutputDir,
		"hashing", e.cfg.CalculateMD5Hash,
		"workers", e.cfg.Workers,
		"history_entries", store.Len(),
	)

	seen, walkErrors := r.processAll()

	cancelled := ctx.Err() != nil

	if e.cfg.PruneMissing {
		switch {
		case cancelled:
			e.log.Debug("scan incomplete, skipping prune")
		case walkErrors > 0:
			e.log.Warn("scan had errors, skipping prune", "walk_errors", walkErrors)
		default:
			stats.EntriesPruned = store.Prune(func(key string) bool {
				_, ok := seen[key]
				return ok
			})
			if stats.EntriesPruned > 0 {
				e.log.Info("pruned history entries for missing files", "count", stats.EntriesPruned)
			}
		}
	}

	if err := store.Save(e.cfg.HistoryStorePath); err != nil {
		e.log.Error("failed to save history", "path", e.cfg.HistoryStorePath, "error", err)
		return stats, fmt.Errorf("save history: %w", err)
	}

	e.log.Info("sync finished",
		"copied", stats.FilesCopied,
		"unchanged", stats.FilesUnchanged,
		"errors", stats.FilesInError,
		"bytes", progress.FormatBytes(stats.BytesCopied),
		"pruned", stats.EntriesPruned,
		"duration", time.Since(stats.StartTime).Round(time.Millisecond),
	)

	if cancelled {
		return stats, ctx.Err()
	}
	return stats, nil
}

// openOutput prepares the output location
func (e *Engine) openOutput() (adapter.Adapter, error) {
	if e.output != nil {
		if err := e.output.Mkdir(context.Background(), "."); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrFilesystemSetup, e.cfg.OutputDir, err)
		}
		return e.output, nil
	}

	out, err := local.New(e.cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create output directory %s: %w",
			domain.ErrFilesystemSetup, e.cfg.OutputDir, err)
	}
	return out, nil
}

// loadHistory reads the store, replacing a corrupt one only when the
// configuration asks for it
func (e *Engine) loadHistory() (*history.Store, error) {
	store, err := history.Load(e.cfg.HistoryStorePath)
	if err == nil {
		return store, nil
	}

	if errors.Is(err, domain.ErrCorruptHistory) && e.cfg.ResetCorruptHistory {
		e.log.Warn("history store is corrupt, starting from an empty history",
			"path", e.cfg.HistoryStorePath,
			"error", err,
		)
		return history.New(), nil
	}

	return nil, err
}

// processAll drains the scanner into a bounded worker pool. It returns
// the set of paths seen and the number of walk errors.
func (r *run) processAll() (map[string]struct{}, int) {
	scanner := scan.New(scan.Options{
		Roots:          r.cfg.ScanPaths,
		Extensions:     r.cfg.FileExtensions,
		FollowSymlinks: r.cfg.FollowSymlinks,
	})

	// Work already started is finished even after cancellation
	workCtx := context.WithoutCancel(r.ctx)

	p := pool.New().WithMaxGoroutines(max(r.cfg.Workers, 1))

	seen := make(map[string]struct{})
	// destinations maps an output path to the completion signal of the
	// last file written there, so later sources overwrite earlier ones
	destinations := make(map[string]chan struct{})
	sources := make(map[string]string)
	walkErrors := 0

	for sr, err := range scanner.Scan(r.ctx) {
		if err != nil {
			walkErrors++
			r.recordError(asFileError(err, "scan"))
			r.log.Warn("scan error", "error", err)
			continue
		}

		seen[sr.Path] = struct{}{}

		if r.ctx.Err() != nil {
			break
		}

		prev := destinations[sr.RelPath]
		if prev != nil {
			r.log.Warn("output path collision, later file overwrites earlier",
				"output", sr.RelPath,
				"earlier", sources[sr.RelPath],
				"later", sr.Path,
			)
		}
		done := make(chan struct{})
		destinations[sr.RelPath] = done
		sources[sr.RelPath] = sr.Path

		p.Go(func() {
			defer close(done)
			if prev != nil {
				<-prev
			}
			r.processFile(workCtx, sr)
		})
	}

	p.Wait()
	return seen, walkErrors
}

// processFile classifies one file and copies it when needed
func (r *run) processFile(ctx context.Context, sr domain.ScanResult) {
	decision, err := r.detector.Classify(ctx, sr, r.store)
	if err != nil {
		r.recordError(domain.FileError{Path: sr.Path, Op: "classify", Err: err})
		r.log.Warn("failed to classify file", "path", sr.Path, "error", err)
		r.forgetIfVanished(sr)
		return
	}

	r.log.Debug("classified", "path", sr.Path, "class", decision.Class.String())

	if !decision.Class.NeedsCopy() {
		if !r.cfg.RestoreMissing || r.copyIntact(ctx, sr) {
			if decision.RefreshMetadata {
				r.putHistory(sr, decision.Hash)
			}
			r.mu.Lock()
			r.stats.FilesUnchanged++
			r.mu.Unlock()
			return
		}
		r.log.Info("output copy missing or truncated, copying again", "path", sr.Path, "output", sr.RelPath)
	}

	n, sum, err := r.copyFile(ctx, sr)
	if err != nil {
		r.recordError(domain.FileError{Path: sr.Path, Op: "copy", Err: err})
		r.log.Warn("failed to copy file", "path", sr.Path, "error", err)
		r.forgetIfVanished(sr)
		return
	}

	r.putHistory(sr, sum)

	r.mu.Lock()
	r.stats.FilesCopied++
	r.stats.BytesCopied += n
	completed, bytes := r.stats.FilesCopied, r.stats.BytesCopied
	r.mu.Unlock()

	r.reporter.OverallProgress(completed, bytes)
}

// forgetIfVanished drops the history entry of a source removed after
// it was scanned, so a file recreated with the old metadata is copied
func (r *run) forgetIfVanished(sr domain.ScanResult) {
	if _, err := os.Lstat(sr.Path); !errors.Is(err, fs.ErrNotExist) {
		return
	}
	if r.store.Delete(sr.Path) {
		r.log.Debug("source vanished, history entry removed", "path", sr.Path)
	}
}

// copyIntact reports whether the output copy of sr is present with the
// source size. Lookup failures other than a missing file count as intact
// so an unreachable output never forces copies.
func (r *run) copyIntact(ctx context.Context, sr domain.ScanResult) bool {
	info, err := r.output.Stat(ctx, sr.RelPath)
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.Warn("failed to check output copy", "output", sr.RelPath, "error", err)
		return true
	}
	return info.IsFile() && info.Size == sr.Size
}

// copyFile streams sr to the output location. When hashing is enabled
// the copied bytes are hashed on the way and the digest is returned.
func (r *run) copyFile(ctx context.Context, sr domain.ScanResult) (int64, string, error) {
	r.reporter.Start(sr.Path, sr.Size)

	n, sum, err := r.writeCopy(ctx, sr)
	if err != nil {
		r.reporter.Error(sr.Path, err)
		return n, "", err
	}

	// Preserving mtime is best effort
	if err := r.output.Chtimes(ctx, sr.RelPath, sr.ModTime); err != nil {
		r.log.Warn("failed to preserve modification time", "path", sr.RelPath, "error", err)
	}

	r.reporter.Complete(sr.Path)
	return n, sum, nil
}

func (r *run) writeCopy(ctx context.Context, sr domain.ScanResult) (int64, string, error) {
	f, err := os.Open(sr.Path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: open source: %w", domain.ErrIO, err)
	}
	defer f.Close()

	var src io.Reader = f
	var h hash.Hash
	if r.detector.Hashing() {
		h, err = checksum.NewHash(r.detector.Algorithm())
		if err != nil {
			return 0, "", err
		}
		src = io.TeeReader(src, h)
	}
	src = progress.NewProgressReader(src, r.reporter, sr.Path)

	n, err := r.output.Write(ctx, sr.RelPath, src, sr.Mode)
	if err != nil {
		return n, "", fmt.Errorf("%w: write %s: %w", domain.ErrIO, sr.RelPath, err)
	}

	if h == nil {
		return n, "", nil
	}
	return n, checksum.Encode(h), nil
}

// putHistory records the state of sr and saves a checkpoint when due
func (r *run) putHistory(sr domain.ScanResult, sum string) {
	algo := ""
	if sum != "" {
		algo = string(r.detector.Algorithm())
	}
	r.store.Put(sr.Path, domain.NewHistoryElement(sr, sum, algo))

	every := int64(r.cfg.CheckpointEvery)
	if every <= 0 {
		return
	}
	if r.updates.Add(1)%every == 0 {
		if err := r.store.Save(r.cfg.HistoryStorePath); err != nil {
			r.log.Warn("history checkpoint failed", "path", r.cfg.HistoryStorePath, "error", err)
			return
		}
		r.log.Debug("history checkpoint saved", "entries", r.store.Len())
	}
}

func (r *run) recordError(fe domain.FileError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.FilesInError++
	r.stats.Errors = append(r.stats.Errors, fe)
}

// asFileError returns err as a FileError, wrapping it with op if needed
func asFileError(err error, op string) domain.FileError {
	var fe domain.FileError
	if errors.As(err, &fe) {
		return fe
	}
	return domain.FileError{Op: op, Err: err}
}
