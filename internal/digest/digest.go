// Package digest computes stable content fingerprints used to decide whether
// a record changed since it was last written.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Volatile lists keys excluded from every digest: image URLs rotate
// upstream and timestamps change on every fetch.
var Volatile = []string{
	"image_url",
	"thumbnail_url",
	"fetched_at",
	"updated_at",
	"created_at",
	"content_hash",
}

// Hash returns the hex SHA-256 of v's canonical JSON form with the Volatile
// keys and any extra excluded keys removed at every depth. Object keys are
// sorted, so field order in v never affects the result.
func Hash(v any, excluded ...string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "digest: marshal")
	}
	return HashJSON(raw, excluded...)
}

// HashJSON is Hash for an already-encoded JSON document.
func HashJSON(raw []byte, excluded ...string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", eris.Wrap(err, "digest: decode")
	}

	skip := make(map[string]bool, len(Volatile)+len(excluded))
	for _, k := range Volatile {
		skip[k] = true
	}
	for _, k := range excluded {
		skip[k] = true
	}

	// encoding/json writes map keys in sorted order.
	canonical, err := json.Marshal(strip(generic, skip))
	if err != nil {
		return "", eris.Wrap(err, "digest: canonicalize")
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func strip(v any, skip map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if skip[k] {
				continue
			}
			val = strip(val, skip)
			if val == nil {
				continue
			}
			out[k] = val
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = strip(val, skip)
		}
		return out
	default:
		return v
	}
}
