package parse

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// ClashParser decodes the grouped YAML format: a document with a "proxies"
// collection of per-server maps. Only the proxies collection is read; groups
// and rules belong to the client profile, not the subscription.
type ClashParser struct{}

func (p *ClashParser) ID() string { return IDClash }

type clashDoc struct {
	Proxies []map[string]any `yaml:"proxies"`
}

func (p *ClashParser) Parse(sourceURL string, raw []byte) ([]model.Server, []Warning, error) {
	var doc clashDoc
	if err := yaml.Unmarshal(stripBOM(raw), &doc); err != nil {
		return nil, nil, newParseError(sourceURL, 0, truncateSnippet(string(raw), 200),
			"SUB_YAML_ERROR", "YAML 解码失败", "", err)
	}
	if len(doc.Proxies) == 0 {
		return nil, nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR",
			"proxies 集合为空", "expected: proxies: [...]", nil)
	}

	out := make([]model.Server, 0, len(doc.Proxies))
	var warns []Warning
	for i, entry := range doc.Proxies {
		srv, err := serverFromMap(entry)
		if err != nil {
			warns = append(warns, Warning{
				Line:    i + 1, // entry index, not a file line
				Message: fmt.Sprintf("proxies[%d] 已跳过：%v", i, err),
				Snippet: truncateSnippet(mstr(entry, "name", "type"), 200),
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
