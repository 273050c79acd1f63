// Package parse turns raw subscription bytes into canonical server records.
//
// Detection is an ordered list of cheap structural probes; an explicitly
// declared parser id always wins. Individual parsers are entry-tolerant: a
// malformed line/entry is skipped with a warning, independent of the
// pipeline-wide strict/tolerant mode.
package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subpipe-go/internal/model"
	"github.com/John-Robertt/subpipe-go/internal/registry"
)

const stage = "parse"

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

func newParseError(sourceURL string, lineNo int, snippet, code, message, hint string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     model.RedactURL(sourceURL),
			Line:    lineNo,
			Snippet: snippet,
			Hint:    hint,
		},
		Cause: cause,
	}
}

// Warning is one skipped entry. Warnings never abort a parse; the coordinator
// folds them into the pipeline context.
type Warning struct {
	Line    int
	Message string
	Snippet string
}

// Parser decodes one payload format into canonical records.
type Parser interface {
	ID() string
	Parse(sourceURL string, raw []byte) ([]model.Server, []Warning, error)
}

// Set is the parser set plus the format detector in front of it.
type Set struct {
	reg *registry.Registry[Parser]
}

func NewSet(reg *registry.Registry[Parser]) *Set {
	return &Set{reg: reg}
}

// DefaultRegistry registers every built-in parser.
func DefaultRegistry() *registry.Registry[Parser] {
	r := registry.New[Parser]("parser")
	r.MustRegister(IDURIList, func() Parser { return &URIListParser{} })
	r.MustRegister(IDJSONList, func() Parser { return &JSONListParser{} })
	r.MustRegister(IDClash, func() Parser { return &ClashParser{} })
	r.MustRegister(IDSingBox, func() Parser { return &SingBoxParser{} })
	return r
}

const (
	IDURIList  = "uri"
	IDJSONList = "json"
	IDClash    = "clash"
	IDSingBox  = "sing-box"
)

// DetectAndParse resolves the payload format and decodes it. It returns the
// id of the parser that was used. declared, when set, must name a registered
// parser and bypasses detection entirely.
func (s *Set) DetectAndParse(sourceURL string, raw []byte, declared string) ([]model.Server, string, []Warning, error) {
	if declared != "" {
		p, err := s.reg.Build(declared)
		if err != nil {
			return nil, "", nil, newParseError(sourceURL, 0, "",
				"SUB_DECLARED_TYPE_UNKNOWN",
				fmt.Sprintf("声明的订阅类型未注册：%s", declared), "", err)
		}
		servers, warns, perr := p.Parse(sourceURL, raw)
		return servers, declared, warns, perr
	}
	return s.detect(sourceURL, raw, 0)
}

// detect runs the probe cascade. depth caps base64 recursion so a payload of
// nested base64 cannot loop.
func (s *Set) detect(sourceURL string, raw []byte, depth int) ([]model.Server, string, []Warning, error) {
	trimmed := bytes.TrimSpace(stripBOM(raw))
	if len(trimmed) == 0 {
		return nil, "", nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅内容为空", "", nil)
	}

	// 1) Whole-payload base64: decode and recurse on the plaintext.
	if depth < 2 && !hasKnownScheme(trimmed) {
		if decoded, err := decodeSubscriptionBase64(string(trimmed)); err == nil && utf8.ValidString(decoded) {
			if servers, id, warns, derr := s.detect(sourceURL, []byte(decoded), depth+1); derr == nil {
				return servers, id, warns, nil
			}
		}
	}

	// 2) JSON: native sing-box document vs generic server list.
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		id := IDJSONList
		if trimmed[0] == '{' && hasJSONKey(trimmed, "outbounds") {
			id = IDSingBox
		}
		return s.parseWith(sourceURL, trimmed, id)
	}

	// 3) Line-oriented proxy URI list.
	if hasKnownScheme(trimmed) {
		return s.parseWith(sourceURL, trimmed, IDURIList)
	}

	// 4) YAML-style grouped config with a "proxies" collection.
	if bytes.Contains(trimmed, []byte("proxies:")) {
		return s.parseWith(sourceURL, trimmed, IDClash)
	}

	// 5) Last resort: one more base64 attempt already happened above; give up.
	return nil, "", nil, newParseError(sourceURL, 0, truncateSnippet(string(trimmed), 200),
		"SUB_DETECT_ERROR", "无法识别的订阅格式", "supported: base64 / uri list / json / clash yaml / sing-box", nil)
}

func (s *Set) parseWith(sourceURL string, raw []byte, id string) ([]model.Server, string, []Warning, error) {
	p, err := s.reg.Build(id)
	if err != nil {
		return nil, "", nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR",
			fmt.Sprintf("解析器未注册：%s", id), "", err)
	}
	servers, warns, perr := p.Parse(sourceURL, raw)
	return servers, id, warns, perr
}

// hasKnownScheme reports whether the first meaningful line starts with a
// supported proxy URI scheme.
func hasKnownScheme(raw []byte) bool {
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return uriScheme(line) != ""
	}
	return false
}

// hasJSONKey probes for a top-level key without fully decoding the document.
func hasJSONKey(raw []byte, key string) bool {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	_, ok := doc[key]
	return ok
}
