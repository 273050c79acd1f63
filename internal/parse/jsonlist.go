package parse

import (
	"encoding/json"
	"fmt"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// JSONListParser decodes a generic JSON array of server objects (or an
// object wrapping one under "servers"/"proxies").
type JSONListParser struct{}

func (p *JSONListParser) ID() string { return IDJSONList }

func (p *JSONListParser) Parse(sourceURL string, raw []byte) ([]model.Server, []Warning, error) {
	raw = stripBOM(raw)

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		var doc map[string]json.RawMessage
		if derr := json.Unmarshal(raw, &doc); derr != nil {
			return nil, nil, newParseError(sourceURL, 0, truncateSnippet(string(raw), 200),
				"SUB_JSON_ERROR", "JSON 解码失败", "", err)
		}
		for _, key := range []string{"servers", "proxies"} {
			if inner, ok := doc[key]; ok {
				if err := json.Unmarshal(inner, &entries); err != nil {
					return nil, nil, newParseError(sourceURL, 0, "", "SUB_JSON_ERROR",
						fmt.Sprintf("%s 字段不是服务器数组", key), "", err)
				}
				break
			}
		}
	}
	if len(entries) == 0 {
		return nil, nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR",
			"JSON 中没有任何服务器对象", "expected: [{...}] or {servers:[...]}", nil)
	}

	out := make([]model.Server, 0, len(entries))
	var warns []Warning
	for i, entry := range entries {
		srv, err := serverFromMap(entry)
		if err != nil {
			warns = append(warns, Warning{
				Line:    i + 1,
				Message: fmt.Sprintf("servers[%d] 已跳过：%v", i, err),
				Snippet: truncateSnippet(mstr(entry, "name", "tag", "type"), 200),
			})
			continue
		}
		out = append(out, srv)
	}
	if len(out) == 0 {
		return nil, warns, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅中没有任何可用节点", "", nil)
	}
	return out, warns, nil
}
