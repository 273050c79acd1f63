package parse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// SingBoxParser reads a native target-schema document (the exporter's own
// output format) back into canonical records, for passthrough/round-trip use.
type SingBoxParser struct{}

func (p *SingBoxParser) ID() string { return IDSingBox }

// Group/service outbounds carry no endpoint and are silently ignored.
var singboxNonEndpoint = map[string]struct{}{
	"selector": {}, "urltest": {}, "block": {}, "dns": {},
}

func (p *SingBoxParser) Parse(sourceURL string, raw []byte) ([]model.Server, []Warning, error) {
	var doc struct {
		Outbounds []map[string]any `json:"outbounds"`
	}
	if err := json.Unmarshal(stripBOM(raw), &doc); err != nil {
		return nil, nil, newParseError(sourceURL, 0, truncateSnippet(string(raw), 200),
			"SUB_JSON_ERROR", "sing-box JSON 解码失败", "", err)
	}
	if len(doc.Outbounds) == 0 {
		return nil, nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR",
			"outbounds 数组为空", "", nil)
	}

	out := make([]model.Server, 0, len(doc.Outbounds))
	var warns []Warning
	for i, ob := range doc.Outbounds {
		typ := strings.ToLower(mstr(ob, "type"))
		if _, skip := singboxNonEndpoint[typ]; skip {
			continue
		}
		srv, err := serverFromSingBox(ob)
		if err != nil {
			warns = append(warns, Warning{
				Line:    i + 1,
				Message: fmt.Sprintf("outbounds[%d] 已跳过：%v", i, err),
				Snippet: truncateSnippet(mstr(ob, "tag", "type"), 200),
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

func serverFromSingBox(ob map[string]any) (model.Server, error) {
	srv, err := serverFromMap(ob)
	if err != nil {
		return model.Server{}, err
	}
	srv.Tag = mstr(ob, "tag")

	if tr := msub(ob, "transport"); tr != nil {
		srv.Transport = model.Transport{
			Type:        model.TransportType(strings.ToLower(mstr(tr, "type"))),
			Path:        mstr(tr, "path"),
			ServiceName: mstr(tr, "service_name"),
		}
		if headers := msub(tr, "headers"); headers != nil {
			srv.Transport.Host = mstr(headers, "Host", "host")
		}
		if srv.Transport.Host == "" {
			srv.Transport.Host = mstr(tr, "host")
		}
	}

	if tc := msub(ob, "tls"); tc != nil && mbool(tc, "enabled") {
		tls := &model.TLSOptions{
			Enabled:    true,
			ServerName: mstr(tc, "server_name"),
			Insecure:   mbool(tc, "insecure"),
			ALPN:       mlist(tc, "alpn"),
		}
		if utls := msub(tc, "utls"); utls != nil && mbool(utls, "enabled") {
			tls.Fingerprint = mstr(utls, "fingerprint")
		}
		if re := msub(tc, "reality"); re != nil && mbool(re, "enabled") {
			tls.Reality = &model.RealityOptions{
				PublicKey: mstr(re, "public_key"),
				ShortID:   mstr(re, "short_id"),
			}
		}
		srv.TLS = tls
	}

	// sing-box spells a few per-protocol fields differently from the
	// grouped formats; fold them into the canonical spots.
	if srv.Protocol == model.ProtocolVMess {
		if sec := mstr(ob, "security"); sec != "" && sec != "auto" {
			srv.SetExtra("security", sec)
		}
	}
	if srv.Protocol == model.ProtocolWireGuard {
		if v := mstr(ob, "private_key"); v != "" {
			srv.SetExtra("private_key", v)
		}
		if v := mstr(ob, "peer_public_key"); v != "" {
			srv.SetExtra("peer_public_key", v)
		}
		if addrs := mlist(ob, "local_address"); len(addrs) > 0 {
			srv.SetExtra("local_address", strings.Join(addrs, ","))
		}
	}
	if srv.Protocol == model.ProtocolSSH {
		if v := mstr(ob, "user"); v != "" {
			srv.SetExtra("user", v)
		}
	}
	if po := msub(ob, "plugin_opts"); po != nil {
		// Object form is normalized to the k=v;k=v string the codec emits.
		// Keys are sorted so the same document always yields the same record.
		parts := make([]string, 0, len(po))
		for k := range po {
			parts = append(parts, k+"="+mstr(po, k))
		}
		sort.Strings(parts)
		srv.SetExtra("plugin-opts", strings.Join(parts, ";"))
	} else if po := mstr(ob, "plugin_opts"); po != "" {
		srv.SetExtra("plugin-opts", po)
	}
	return srv, nil
}
