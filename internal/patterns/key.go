package patterns

import (
	"path/filepath"
	"strings"
)

// Size bucket boundaries. Buckets cluster files whose processing cost is
// comparable; exact sizes would fragment the pattern space.
const (
	sizeTiny   = 10 << 10  // 10 KiB
	sizeSmall  = 1 << 20   // 1 MiB
	sizeMedium = 10 << 20  // 10 MiB
	sizeLarge  = 100 << 20 // 100 MiB
)

// Signature is the file fingerprint a lookup or outcome is keyed on. It is
// built by the caller from whatever it knows about the file; empty fields
// collapse into stable placeholder segments so structurally similar files
// share a key.
type Signature struct {
	DecisionPoint  DecisionPoint `json:"decisionPoint"`
	FileName       string        `json:"fileName,omitempty"`
	Extension      string        `json:"extension,omitempty"`
	MimeType       string        `json:"mimeType,omitempty"`
	SizeBytes      int64         `json:"sizeBytes"`
	Classification string        `json:"classification,omitempty"`
	ThreatLevel    string        `json:"threatLevel,omitempty"`
}

// Key renders the composite key:
//
//	decisionPoint | ext | mimeCategory | sizeBucket | classification | threatLevel
//
// Keys are opaque strings; only equality matters.
func (s Signature) Key() string {
	return strings.Join([]string{
		string(s.DecisionPoint),
		s.ext(),
		mimeCategory(s.MimeType),
		sizeBucket(s.SizeBytes),
		orDefault(s.Classification, "unclassified"),
		orDefault(s.ThreatLevel, "none"),
	}, "|")
}

// ext resolves the extension segment, preferring an explicit Extension over
// one derived from the file name.
func (s Signature) ext() string {
	e := s.Extension
	if e == "" && s.FileName != "" {
		e = strings.TrimPrefix(filepath.Ext(s.FileName), ".")
	}
	if e == "" {
		return "noext"
	}
	return strings.ToLower(strings.TrimPrefix(e, "."))
}

// mimeCategory keeps only the top-level media type: "application/pdf" and
// "application/zip" cluster together at this level, the extension segment
// separates them.
func mimeCategory(mime string) string {
	if mime == "" {
		return "unknown"
	}
	if i := strings.IndexByte(mime, '/'); i > 0 {
		return strings.ToLower(mime[:i])
	}
	return strings.ToLower(mime)
}

func sizeBucket(bytes int64) string {
	switch {
	case bytes < sizeTiny:
		return "tiny"
	case bytes < sizeSmall:
		return "small"
	case bytes < sizeMedium:
		return "medium"
	case bytes < sizeLarge:
		return "large"
	default:
		return "huge"
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return strings.ToLower(v)
}
