// Package checksum computes the content digests stored in the history
// store and compared by the change detector.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"

	"github.com/Ning0612/Incsync/internal/domain"
)

// Algorithm names a digest algorithm. It is recorded next to every
// stored hash so entries written under another algorithm are recognised.
type Algorithm string

const (
	MD5    Algorithm = "md5" // default, fills the md5_hash history field
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
	XXH3   Algorithm = "xxh3" // 64-bit, non-cryptographic
)

// Algorithms lists every supported algorithm
var Algorithms = []Algorithm{MD5, SHA256, BLAKE3, XXH3}

// ErrTooLarge is returned when the input exceeds Options.MaxSize
var ErrTooLarge = errors.New("file size exceeds maximum")

// ParseAlgorithm maps a case-insensitive name to an Algorithm
func ParseAlgorithm(name string) (Algorithm, error) {
	algo := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	for _, a := range Algorithms {
		if a == algo {
			return a, nil
		}
	}
	return "", fmt.Errorf("unsupported algorithm: %s", name)
}

// IsSupported reports whether ParseAlgorithm accepts algo
func IsSupported(algo Algorithm) bool {
	_, err := ParseAlgorithm(string(algo))
	return err == nil
}

// NewHash returns a fresh hash.Hash for algo
func NewHash(algo Algorithm) (hash.Hash, error) {
	a, err := ParseAlgorithm(string(algo))
	if err != nil {
		return nil, err
	}
	switch a {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	case XXH3:
		return xxh3.New(), nil
	default:
		return md5.New(), nil
	}
}

// Encode returns the lower-case hex digest of h
func Encode(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Options configures DefaultCalculator
type Options struct {
	// MaxSize rejects inputs larger than this many bytes (0 = unlimited)
	MaxSize int64
	// BufferSize is the read chunk size, 32 KiB by default
	BufferSize int
}

// DefaultOptions returns unlimited size and 32 KiB reads
func DefaultOptions() Options {
	return Options{BufferSize: 32 * 1024}
}

// Calculator computes content checksums
type Calculator interface {
	// Calculate digests everything reader yields
	Calculate(ctx context.Context, reader io.Reader, algo Algorithm) (string, error)
	// HashFile opens path and digests its content
	HashFile(ctx context.Context, path string, algo Algorithm) (string, error)
}

// DefaultCalculator streams input through the hash in fixed-size chunks
// and checks ctx between chunks
type DefaultCalculator struct {
	opts Options
}

// NewCalculator creates a calculator with opts
func NewCalculator(opts Options) *DefaultCalculator {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	return &DefaultCalculator{opts: opts}
}

// NewDefaultCalculator creates a calculator with DefaultOptions
func NewDefaultCalculator() *DefaultCalculator {
	return NewCalculator(DefaultOptions())
}

// Calculate returns ctx.Err() when cancelled, ErrTooLarge past MaxSize
// and domain.ErrIO for read failures
func (c *DefaultCalculator) Calculate(ctx context.Context, reader io.Reader, algo Algorithm) (string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}

	var src io.Reader = &ctxReader{ctx: ctx, r: reader}
	if c.opts.MaxSize > 0 {
		src = io.LimitReader(src, c.opts.MaxSize+1)
	}

	n, err := io.CopyBuffer(h, src, make([]byte, c.opts.BufferSize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: read error: %w", domain.ErrIO, err)
	}
	if c.opts.MaxSize > 0 && n > c.opts.MaxSize {
		return "", fmt.Errorf("%w (%d bytes)", ErrTooLarge, c.opts.MaxSize)
	}

	return Encode(h), nil
}

// HashFile wraps open and read failures with domain.ErrIO
func (c *DefaultCalculator) HashFile(ctx context.Context, path string, algo Algorithm) (string, error) {
	if !IsSupported(algo) {
		return "", fmt.Errorf("unsupported algorithm: %s", algo)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", domain.ErrIO, path, err)
	}
	defer f.Close()

	sum, err := c.Calculate(ctx, f, algo)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, nil
}

// ctxReader fails every Read once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
