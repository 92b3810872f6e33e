// Package tag defines the raw tag payload model and helpers used across the
// scanning pipeline: parsing, serialization, summarization, hashing for the
// raw-payload archive, and technology name normalization.
package tag

import (
	"errors"
	"sort"
	"strings"

	lev "github.com/agnivade/levenshtein"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errEmptyPayload = errors.New("tag: empty raw payload")

// ParseRaw decodes the serialized raw tag structure the reader delivered.
// The payload is an arbitrary nested JSON object keyed by technology name
// ("ndef", "nfca", ...); no schema is enforced beyond it being an object.
func ParseRaw(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, errEmptyPayload
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// SerializeRaw re-encodes a parsed tag structure. Used when a collaborator
// hands us an already-parsed map but the log wants the exact serialized form.
func SerializeRaw(data map[string]any) (string, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Hash returns a 64-bit xxh3 hash of the serialized raw payload. Archive keys
// and duplicate-read detection both rely on this being stable for identical
// payload bytes.
func Hash(raw []byte) uint64 {
	return xxh3.Hash(raw)
}

// Technologies returns the top-level technology keys of a parsed payload in
// sorted order, so callers render a deterministic list.
func Technologies(data map[string]any) []string {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// displayTechs maps the technology keys readers commonly report to their
// display names. Keys are lowercase with separators stripped.
var displayTechs = map[string]string{
	"ndef":             "NDEF",
	"nfca":             "NFC-A",
	"nfcb":             "NFC-B",
	"nfcf":             "NFC-F",
	"nfcv":             "NFC-V",
	"isodep":           "ISO-DEP",
	"mifareclassic":    "MIFARE Classic",
	"mifareultralight": "MIFARE Ultralight",
}

const maxTechEditDistance = 2

// CanonicalTech maps a reported technology name to its canonical display
// form. Reader bridges are sloppy about casing and separators ("NfcA",
// "mifare_classic"), so the match first normalizes and then tolerates small
// typos via edit distance. Unrecognized names are returned unchanged.
func CanonicalTech(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	folded := foldTechName(trimmed)
	if display, ok := displayTechs[folded]; ok {
		return display
	}
	// Iterate keys in sorted order so ties resolve the same way every call.
	keys := make([]string, 0, len(displayTechs))
	for k := range displayTechs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := ""
	bestDist := maxTechEditDistance + 1
	for _, key := range keys {
		d := lev.ComputeDistance(folded, key)
		if d < bestDist {
			bestDist = d
			best = displayTechs[key]
		}
	}
	if best != "" && bestDist <= maxTechEditDistance {
		return best
	}
	return trimmed
}

func foldTechName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch r {
		case ' ', '-', '_', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
