// Package detect classifies scanned files against the history store.
package detect

import (
	"context"
	"fmt"

	"github.com/Ning0612/Incsync/internal/core/checksum"
	"github.com/Ning0612/Incsync/internal/domain"
)

// History is the read side of the history store
type History interface {
	Get(key string) (domain.HistoryElement, bool)
}

// Decision is the result of classifying one file
type Decision struct {
	Class domain.Classification

	// Hash is the digest computed during classification, empty when the
	// file was not hashed
	Hash string

	// RefreshMetadata is set for Unchanged files whose stored element
	// should be rewritten with Hash and the current mtime and size: the
	// content matched while the metadata moved, or the entry had no
	// usable hash. The next run can then skip hashing.
	RefreshMetadata bool
}

// Options configures a Detector
type Options struct {
	// Hashing enables content comparison when metadata differs
	Hashing bool

	// Algorithm is the hash used when Hashing is set
	Algorithm checksum.Algorithm

	// Calculator computes file digests. Defaults to checksum.NewDefaultCalculator.
	Calculator checksum.Calculator
}

// Detector decides whether a file is new, changed or unchanged
type Detector struct {
	hashing bool
	algo    checksum.Algorithm
	calc    checksum.Calculator
}

// New creates a detector
func New(opts Options) *Detector {
	if opts.Algorithm == "" {
		opts.Algorithm = checksum.MD5
	}
	if opts.Calculator == nil {
		opts.Calculator = checksum.NewDefaultCalculator()
	}
	return &Detector{
		hashing: opts.Hashing,
		algo:    opts.Algorithm,
		calc:    opts.Calculator,
	}
}

// Hashing reports whether content hashing is enabled
func (d *Detector) Hashing() bool {
	return d.hashing
}

// Algorithm returns the configured hash algorithm
func (d *Detector) Algorithm() checksum.Algorithm {
	return d.algo
}

// Classify compares sr with its history entry.
// Timestamps are compared at nanosecond resolution without tolerance.
// An error is returned only when hashing the file fails; it wraps
// domain.ErrIO.
func (d *Detector) Classify(ctx context.Context, sr domain.ScanResult, history History) (Decision, error) {
	prev, ok := history.Get(sr.Path)
	if !ok {
		return Decision{Class: domain.ClassNew}, nil
	}

	metadataSame := sameMetadata(sr, prev)

	if !d.hashing {
		if metadataSame {
			return Decision{Class: domain.ClassUnchanged}, nil
		}
		return Decision{Class: domain.ClassChanged}, nil
	}

	hasHash := prev.Hash != nil && storedAlgorithm(prev) == d.algo

	// Cheap metadata already proves nothing changed
	if metadataSame && hasHash {
		return Decision{Class: domain.ClassUnchanged}, nil
	}

	sum, err := d.calc.HashFile(ctx, sr.Path, d.algo)
	if err != nil {
		return Decision{}, fmt.Errorf("classify %s: %w", sr.Path, err)
	}

	// Recorded without a usable hash: metadata is the only evidence, so
	// keep the verdict and store the digest for the next run
	if metadataSame {
		return Decision{Class: domain.ClassUnchanged, Hash: sum, RefreshMetadata: true}, nil
	}

	// Entries without a hash, or hashed with another algorithm, cannot
	// prove the content is the same
	if !hasHash || *prev.Hash != sum {
		return Decision{Class: domain.ClassChanged, Hash: sum}, nil
	}

	return Decision{Class: domain.ClassUnchanged, Hash: sum, RefreshMetadata: true}, nil
}

// sameMetadata compares mtime, and size when the entry tracks it
func sameMetadata(sr domain.ScanResult, prev domain.HistoryElement) bool {
	if sr.ModTime.UnixNano() != prev.ModifiedTime {
		return false
	}
	if prev.Size != nil && *prev.Size != sr.Size {
		return false
	}
	return true
}

// storedAlgorithm returns the algorithm of prev's hash. Entries written
// before the algorithm was recorded hold md5 digests.
func storedAlgorithm(prev domain.HistoryElement) checksum.Algorithm {
	if prev.HashAlgorithm == "" {
		return checksum.MD5
	}
	return checksum.Algorithm(prev.HashAlgorithm)
}
