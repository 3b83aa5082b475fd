package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompositeKeySegments(t *testing.T) {
	sig := Signature{
		DecisionPoint:  PointRoute,
		FileName:       "report.PDF",
		MimeType:       "application/pdf",
		SizeBytes:      2 << 20, // 2 MiB
		Classification: "Internal",
		ThreatLevel:    "Low",
	}
	assert.Equal(t, "processing_route|pdf|application|medium|internal|low", sig.Key())
}

func TestCompositeKeyDefaults(t *testing.T) {
	sig := Signature{DecisionPoint: PointTriage}
	assert.Equal(t, "triage|noext|unknown|tiny|unclassified|none", sig.Key())
}

func TestExplicitExtensionWinsOverFileName(t *testing.T) {
	sig := Signature{DecisionPoint: PointTriage, FileName: "data.csv", Extension: ".XLSX"}
	assert.Equal(t, "xlsx", sig.ext())
}

func TestSizeBuckets(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{0, "tiny"},
		{sizeTiny - 1, "tiny"},
		{sizeTiny, "small"},
		{sizeSmall, "medium"},
		{sizeMedium, "large"},
		{sizeLarge, "huge"},
		{1 << 40, "huge"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sizeBucket(c.bytes), "bytes=%d", c.bytes)
	}
}

func TestStructurallySimilarFilesShareAKey(t *testing.T) {
	a := Signature{DecisionPoint: PointSecurity, FileName: "invoice1.pdf", MimeType: "application/pdf", SizeBytes: 100 << 10}
	b := Signature{DecisionPoint: PointSecurity, FileName: "invoice2.pdf", MimeType: "application/pdf", SizeBytes: 900 << 10}
	assert.Equal(t, a.Key(), b.Key())
}
