package domain

import (
	"io/fs"
	"time"
)

// FileType represents the type of a filesystem entry
type FileType int

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeSymlink
	FileTypeOther
)

// FileInfo represents metadata about an entry in the output location
type FileInfo struct {
	// Path is the relative path from the adapter root
	Path string

	// Type indicates if this is a file, directory, or symlink
	Type FileType

	// Size in bytes (0 for directories)
	Size int64

	// ModTime is the last modification time
	ModTime time.Time
}

// IsDir returns true if this is a directory
func (f FileInfo) IsDir() bool {
	return f.Type == FileTypeDirectory
}

// IsFile returns true if this is a regular file
func (f FileInfo) IsFile() bool {
	return f.Type == FileTypeRegular
}

// ScanResult describes one qualifying source file found by the scanner.
// It lives only until the file has been classified and processed.
type ScanResult struct {
	// Path is the absolute, cleaned path of the file. It is also the
	// history key.
	Path string

	// Root is the absolute scan root the file was found under
	Root string

	// RelPath is Path relative to Root, slash separated
	RelPath string

	// Extension is the lower-cased extension without the leading dot
	Extension string

	// ModTime is the current modification time
	ModTime time.Time

	// Size in bytes
	Size int64

	// Mode holds the permission bits of the source
	Mode fs.FileMode
}

// HistoryElement is the last known state of a source file.
type HistoryElement struct {
	FilePath string `json:"file_path"`

	// Hash is nil when the file was recorded without content hashing.
	// The JSON name is kept for compatibility with existing stores.
	Hash *string `json:"md5_hash"`

	// HashAlgorithm names the algorithm that produced Hash
	HashAlgorithm string `json:"hash_algorithm,omitempty"`

	// ModifiedTime is the modification time in Unix nanoseconds
	ModifiedTime int64 `json:"modified_time"`

	// Size is nil for entries written before sizes were tracked
	Size *int64 `json:"size,omitempty"`
}

// NewHistoryElement builds an element from a scan result. hash may be
// empty when hashing is disabled.
func NewHistoryElement(sr ScanResult, hash, algorithm string) HistoryElement {
	size := sr.Size
	elem := HistoryElement{
		FilePath:     sr.Path,
		ModifiedTime: sr.ModTime.UnixNano(),
		Size:         &size,
	}
	if hash != "" {
		h := hash
		elem.Hash = &h
		elem.HashAlgorithm = algorithm
	}
	return elem
}

// HashValue returns the stored hash or an empty string
func (e HistoryElement) HashValue() string {
	if e.Hash == nil {
		return ""
	}
	return *e.Hash
}
