package parse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// The Clash YAML and generic JSON formats are both "one loosely-typed map per
// server". This file is the shared mapping from those maps into the canonical
// record; format-specific quirks stay in clash.go / jsonlist.go.

func mstr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case string:
				return t
			case int:
				return strconv.Itoa(t)
			case float64:
				return strconv.Itoa(int(t))
			}
		}
	}
	return ""
}

func mint(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case int:
				return t
			case float64:
				return int(t)
			case string:
				if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
					return n
				}
			}
		}
	}
	return 0
}

func mbool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case bool:
				return t
			case string:
				return t == "true" || t == "1"
			}
		}
	}
	return false
}

func msub(m map[string]any, key string) map[string]any {
	if v, ok := m[key]; ok {
		if sub, ok := v.(map[string]any); ok {
			return sub
		}
	}
	return nil
}

func mlist(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return strings.Split(t, ",")
	}
	return nil
}

// protocolAliases normalizes the type names the grouped formats use.
var protocolAliases = map[string]model.Protocol{
	"ss":          model.ProtocolShadowsocks,
	"shadowsocks": model.ProtocolShadowsocks,
	"vmess":       model.ProtocolVMess,
	"vless":       model.ProtocolVLESS,
	"trojan":      model.ProtocolTrojan,
	"wireguard":   model.ProtocolWireGuard,
	"wg":          model.ProtocolWireGuard,
	"hysteria2":   model.ProtocolHysteria2,
	"hy2":         model.ProtocolHysteria2,
	"tuic":        model.ProtocolTUIC,
	"shadowtls":   model.ProtocolShadowTLS,
	"anytls":      model.ProtocolAnyTLS,
	"tor":         model.ProtocolTor,
	"ssh":         model.ProtocolSSH,
	"http":        model.ProtocolHTTP,
	"socks":       model.ProtocolSOCKS,
	"socks5":      model.ProtocolSOCKS,
	"direct":      model.ProtocolDirect,
}

// serverFromMap converts one loosely-typed entry. Unknown scalar fields are
// preserved in Extra so the exporter can still use them.
func serverFromMap(m map[string]any) (model.Server, error) {
	typ := strings.ToLower(mstr(m, "type", "protocol"))
	proto, ok := protocolAliases[typ]
	if !ok {
		return model.Server{}, fmt.Errorf("不支持的协议类型：%s", typ)
	}

	srv := model.Server{
		Protocol: proto,
		Address:  mstr(m, "server", "address", "add"),
		Tag:      strings.TrimSpace(mstr(m, "name", "tag", "ps", "remarks")),
		Method:   strings.ToLower(mstr(m, "cipher", "method")),
		Password: mstr(m, "password", "auth"),
		UUID:     mstr(m, "uuid", "id"),
		Flow:     mstr(m, "flow"),
	}

	// tor and direct have no endpoint; everything else needs address:port.
	if proto != model.ProtocolTor && proto != model.ProtocolDirect {
		if srv.Address == "" {
			return model.Server{}, errors.New("缺少服务器地址")
		}
		port := mint(m, "port", "server_port")
		if port < 1 || port > 65535 {
			return model.Server{}, errors.New("端口不合法")
		}
		srv.Port = uint16(port)
	}

	applyMapTransport(&srv, m)
	applyMapTLS(&srv, m)

	for _, k := range []string{"alter_id", "alterId", "congestion_control", "obfs", "obfs-password", "username", "user", "private_key", "private-key", "peer_public_key", "public-key", "version", "plugin"} {
		if v := mstr(m, k); v != "" {
			srv.SetExtra(canonicalExtraKey(k), v)
		}
	}
	if po := mstr(m, "plugin-opts", "plugin_opts"); po != "" {
		srv.SetExtra("plugin-opts", po)
	}
	return srv, nil
}

// canonicalExtraKey folds the clash-style kebab/camel aliases onto the
// snake_case names the exporter reads.
func canonicalExtraKey(k string) string {
	switch k {
	case "alterId":
		return "alter_id"
	case "private-key":
		return "private_key"
	case "public-key":
		return "peer_public_key"
	case "user":
		return "user"
	default:
		return k
	}
}

func applyMapTransport(srv *model.Server, m map[string]any) {
	network := strings.ToLower(mstr(m, "network", "net"))
	switch network {
	case "", "tcp":
		return
	case "ws":
		srv.Transport.Type = model.TransportWS
	case "grpc":
		srv.Transport.Type = model.TransportGRPC
	case "h2", "http":
		srv.Transport.Type = model.TransportHTTP
	case "quic":
		srv.Transport.Type = model.TransportQUIC
	case "httpupgrade":
		srv.Transport.Type = model.TransportHTTPUpgrade
	default:
		srv.Transport.Type = model.TransportType(network)
	}

	if opts := msub(m, "ws-opts"); opts != nil {
		srv.Transport.Path = mstr(opts, "path")
		if headers := msub(opts, "headers"); headers != nil {
			srv.Transport.Host = mstr(headers, "Host", "host")
		}
	}
	if opts := msub(m, "grpc-opts"); opts != nil {
		srv.Transport.ServiceName = mstr(opts, "grpc-service-name", "serviceName")
	}
	if opts := msub(m, "h2-opts"); opts != nil {
		srv.Transport.Path = mstr(opts, "path")
		if hosts := mlist(opts, "host"); len(hosts) > 0 {
			srv.Transport.Host = hosts[0]
		}
	}
	if srv.Transport.Path == "" {
		srv.Transport.Path = mstr(m, "path", "ws-path")
	}
	if srv.Transport.Host == "" && srv.Transport.Type != model.TransportNone {
		srv.Transport.Host = mstr(m, "host")
	}
}

func applyMapTLS(srv *model.Server, m map[string]any) {
	sni := mstr(m, "sni", "servername", "server_name")
	enabled := mbool(m, "tls") || sni != "" ||
		srv.Protocol == model.ProtocolTrojan ||
		srv.Protocol == model.ProtocolHysteria2 ||
		srv.Protocol == model.ProtocolTUIC ||
		srv.Protocol == model.ProtocolAnyTLS
	if !enabled {
		return
	}

	tls := &model.TLSOptions{
		Enabled:     true,
		ServerName:  sni,
		Insecure:    mbool(m, "skip-cert-verify", "insecure"),
		Fingerprint: mstr(m, "client-fingerprint", "fp", "fingerprint"),
		ALPN:        mlist(m, "alpn"),
	}
	if ro := msub(m, "reality-opts"); ro != nil {
		tls.Reality = &model.RealityOptions{
			PublicKey: mstr(ro, "public-key", "public_key"),
			ShortID:   mstr(ro, "short-id", "short_id"),
		}
	}
	srv.TLS = tls
}
