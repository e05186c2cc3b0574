package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Ning0612/Incsync/internal/domain"
)

// Hash placeholders written by older copiers when hashing was off
var legacyNoHash = map[string]bool{
	"":               true,
	"-":              true,
	"NOT CALCULATED": true,
}

// decodeLegacy reads the array form written by earlier copiers. Keys
// may be snake_case, camelCase or PascalCase and modified_time may be
// seconds, milliseconds or nanoseconds, integer or fractional.
func decodeLegacy(data []byte) (map[string]domain.HistoryElement, error) {
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	entries := make(map[string]domain.HistoryElement, len(list))
	for i, raw := range list {
		fields := make(map[string]json.RawMessage, len(raw))
		for k, v := range raw {
			fields[foldKey(k)] = v
		}

		elem, err := legacyElement(fields)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if elem.FilePath == "" {
			return nil, fmt.Errorf("entry %d has no file_path", i)
		}
		entries[elem.FilePath] = elem
	}
	return entries, nil
}

// foldKey maps file_path, filePath and FilePath to the same key
func foldKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", ""))
}

func legacyElement(fields map[string]json.RawMessage) (domain.HistoryElement, error) {
	var elem domain.HistoryElement

	if err := decodeField(fields, "filepath", &elem.FilePath); err != nil {
		return elem, err
	}

	var hash *string
	if err := decodeField(fields, "md5hash", &hash); err != nil {
		return elem, err
	}
	if hash != nil && !legacyNoHash[*hash] {
		elem.Hash = hash
		elem.HashAlgorithm = "md5"
		if err := decodeField(fields, "hashalgorithm", &elem.HashAlgorithm); err != nil {
			return elem, err
		}
	}

	mtime, err := legacyTime(fields["modifiedtime"])
	if err != nil {
		return elem, err
	}
	elem.ModifiedTime = mtime

	if err := decodeField(fields, "size", &elem.Size); err != nil {
		return elem, err
	}
	return elem, nil
}

func decodeField(fields map[string]json.RawMessage, key string, v any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// legacyTime converts a stored modification time to Unix nanoseconds.
// The unit is inferred from the magnitude. Placeholders such as "-"
// decode to zero, which never matches a real file.
func legacyTime(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("modified_time: %w", err)
	}

	if i, err := n.Int64(); err == nil {
		return scaleToNanos(i), nil
	}
	// Fractional values are seconds
	if ns, ok := decimalSeconds(n.String()); ok {
		return ns, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("modified_time: %w", err)
	}
	return int64(math.Round(f * 1e9)), nil
}

// decimalSeconds parses "1712345678.123" without going through float64
func decimalSeconds(s string) (int64, bool) {
	whole, frac, ok := strings.Cut(s, ".")
	if !ok || strings.ContainsAny(frac, "eE") {
		return 0, false
	}
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	frac += strings.Repeat("0", 9-len(frac))
	nanos, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	if strings.HasPrefix(whole, "-") {
		nanos = -nanos
	}
	return sec*1e9 + nanos, true
}

func scaleToNanos(v int64) int64 {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < 1e11:
		return v * 1e9
	case abs < 1e14:
		return v * 1e6
	case abs < 1e17:
		return v * 1e3
	default:
		return v
	}
}
