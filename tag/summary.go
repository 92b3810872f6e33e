package tag

import (
	"strings"
)

const (
	summaryNDEFPrefix = "NDEF text: "
	summaryTechPrefix = "Tag technologies: "
	summaryFallback   = "Tag detected"
)

// Summarize reduces a parsed tag payload to a single display line. It is
// deterministic and never fails: anything it cannot decode falls back to the
// technology listing or the generic "Tag detected" string.
//
// The happy path follows the NDEF well-known text record convention: the
// first payload byte is a status byte whose low bits give the length of a
// language code ("en", "de", ...) preceding the text. Only that one status
// byte is skipped before decoding; surrounding whitespace is trimmed.
func Summarize(data map[string]any) string {
	if text, ok := ndefText(data); ok {
		return summaryNDEFPrefix + text
	}
	if keys := Technologies(data); len(keys) > 0 {
		return summaryTechPrefix + strings.Join(keys, ", ")
	}
	return summaryFallback
}

// ndefText digs out ndef.cachedMessage.records[0].payload, strips the
// language-code-length prefix byte, and decodes the remainder as UTF-8.
// Malformed byte sequences become U+FFFD markers rather than errors.
func ndefText(data map[string]any) (string, bool) {
	records, ok := ndefRecords(data)
	if !ok || len(records) == 0 {
		return "", false
	}
	first, ok := records[0].(map[string]any)
	if !ok {
		return "", false
	}
	payload, ok := byteSeq(first["payload"])
	if !ok || len(payload) == 0 {
		return "", false
	}
	if len(payload) > 1 {
		payload = payload[1:]
	}
	text := strings.TrimSpace(strings.ToValidUTF8(string(payload), "�"))
	if text == "" {
		return "", false
	}
	return text, true
}

func ndefRecords(data map[string]any) ([]any, bool) {
	ndef, ok := data["ndef"].(map[string]any)
	if !ok {
		return nil, false
	}
	cached, ok := ndef["cachedMessage"].(map[string]any)
	if !ok {
		return nil, false
	}
	records, ok := cached["records"].([]any)
	return records, ok
}

// byteSeq converts a JSON array of numbers into bytes. Values outside 0..255
// are truncated to their low byte, matching what readers serialize.
func byteSeq(v any) ([]byte, bool) {
	seq, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]byte, 0, len(seq))
	for _, item := range seq {
		switch n := item.(type) {
		case float64:
			out = append(out, byte(int64(n)))
		case int:
			out = append(out, byte(n))
		case int64:
			out = append(out, byte(n))
		default:
			return nil, false
		}
	}
	return out, true
}
