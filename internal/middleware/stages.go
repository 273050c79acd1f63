package middleware

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// TagNormalizer trims tags, strips control characters and gives untagged
// records a deterministic address:port fallback name.
type TagNormalizer struct{}

func (TagNormalizer) ID() string { return "tag-normalizer" }

func (TagNormalizer) Apply(s *model.Server) error {
	tag := strings.TrimSpace(s.Tag)
	tag = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, tag)
	if tag == "" {
		tag = fmt.Sprintf("%s:%d", s.Address, s.Port)
	}
	s.Tag = tag
	return nil
}

// GeoAnnotator derives a coarse country hint from the record tag. Tags in the
// wild commonly lead with an ISO country code or a flag emoji; only the ASCII
// code form is recognized here. The annotation feeds the geo filter and geo
// policies downstream, which is why annotation order matters.
type GeoAnnotator struct{}

func (GeoAnnotator) ID() string { return "geo-annotator" }

func (GeoAnnotator) Apply(s *model.Server) error {
	if _, ok := s.GetExtra("geo"); ok {
		return nil
	}
	if cc := countryFromTag(s.Tag); cc != "" {
		s.SetExtra("geo", cc)
	}
	return nil
}

func countryFromTag(tag string) string {
	fields := strings.FieldsFunc(tag, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '|' || r == '['
	})
	for _, f := range fields {
		f = strings.Trim(f, "[]")
		if len(f) == 2 && isUpperASCII(f) {
			return f
		}
	}
	return ""
}

func isUpperASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// TraceAnnotator stamps each record with the run's trace id when the debug
// level asks for it, so exported configs can be correlated with logs.
type TraceAnnotator struct {
	TraceID    string
	DebugLevel int
}

func (t TraceAnnotator) ID() string { return "trace-annotator" }

func (t TraceAnnotator) Apply(s *model.Server) error {
	if t.DebugLevel < 2 || t.TraceID == "" {
		return nil
	}
	s.SetExtra("trace_id", t.TraceID)
	return nil
}
