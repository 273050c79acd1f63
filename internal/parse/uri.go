package parse

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// uriParsers maps a URI scheme to its line parser. Aliases (hy2, wg, socks5)
// point at the same function as the canonical scheme.
var uriParsers = map[string]func(line string) (model.Server, error){
	"ss":         parseSSURI,
	"vmess":      parseVMessURI,
	"vless":      parseVLESSURI,
	"trojan":     parseTrojanURI,
	"hysteria2":  parseHysteria2URI,
	"hy2":        parseHysteria2URI,
	"tuic":       parseTUICURI,
	"anytls":     parseAnyTLSURI,
	"ssh":        parseSSHURI,
	"http":       parseHTTPProxyURI,
	"https":      parseHTTPProxyURI,
	"socks":      parseSOCKSURI,
	"socks5":     parseSOCKSURI,
	"wireguard":  parseWireGuardURI,
	"wg":         parseWireGuardURI,
}

func uriScheme(line string) string {
	idx := strings.Index(line, "://")
	if idx <= 0 {
		return ""
	}
	scheme := strings.ToLower(line[:idx])
	if _, ok := uriParsers[scheme]; !ok {
		return ""
	}
	return scheme
}

// URIListParser decodes a newline-delimited list of proxy share links,
// optionally wrapped in base64 (the detector unwraps that before it gets
// here, but a declared-type caller may hand us the wrapped form directly).
type URIListParser struct{}

func (p *URIListParser) ID() string { return IDURIList }

func (p *URIListParser) Parse(sourceURL string, raw []byte) ([]model.Server, []Warning, error) {
	s := strings.TrimSpace(string(stripBOM(raw)))
	if s == "" {
		return nil, nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅内容为空", "", nil)
	}
	if !hasKnownScheme([]byte(s)) {
		decoded, err := decodeSubscriptionBase64(s)
		if err != nil {
			return nil, nil, newParseError(sourceURL, 0, truncateSnippet(s, 200),
				"SUB_BASE64_DECODE_ERROR", "订阅 base64 解码失败", "", err)
		}
		s = strings.TrimSpace(decoded)
	}

	lines := strings.Split(s, "\n")
	out := make([]model.Server, 0, len(lines))
	var warns []Warning
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		scheme := uriScheme(line)
		if scheme == "" {
			warns = append(warns, Warning{
				Line:    i + 1,
				Message: "不支持的协议 scheme，已跳过",
				Snippet: truncateSnippet(model.RedactURL(line), 200),
			})
			continue
		}

		srv, err := uriParsers[scheme](line)
		if err != nil {
			warns = append(warns, Warning{
				Line:    i + 1,
				Message: err.Error(),
				Snippet: truncateSnippet(model.RedactURL(line), 200),
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

func parseHostPort(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	portInt, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return "", 0, err
	}
	if portInt < 1 || portInt > 65535 {
		return "", 0, errors.New("port out of range")
	}
	return host, uint16(portInt), nil
}

// parseStandardURI handles the vless-style share link family:
// scheme://userinfo@host:port?query#fragment.
func parseStandardURI(line string) (u *url.URL, tag string, err error) {
	u, err = url.Parse(line)
	if err != nil {
		return nil, "", err
	}
	tag = strings.TrimSpace(u.Fragment)
	if strings.ContainsAny(tag, "\r\n\x00") {
		return nil, "", errors.New("节点名称包含非法控制字符")
	}
	return u, tag, nil
}

func hostPortFromURL(u *url.URL) (string, uint16, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, errors.New("缺少服务器地址")
	}
	portStr := u.Port()
	if portStr == "" {
		return "", 0, errors.New("缺少端口")
	}
	portInt, err := strconv.Atoi(portStr)
	if err != nil || portInt < 1 || portInt > 65535 {
		return "", 0, errors.New("端口不合法")
	}
	return host, uint16(portInt), nil
}

// transport/TLS query keys shared by the vless-style link family. Consumed
// keys are deleted from q; whatever is left is preserved verbatim in Extra so
// exporters can still see it.
func applyStreamQuery(s *model.Server, q url.Values) {
	switch strings.ToLower(q.Get("type")) {
	case "", "tcp", "none":
		// plain
	case "ws":
		s.Transport.Type = model.TransportWS
	case "grpc":
		s.Transport.Type = model.TransportGRPC
	case "http", "h2":
		s.Transport.Type = model.TransportHTTP
	case "quic":
		s.Transport.Type = model.TransportQUIC
	case "httpupgrade":
		s.Transport.Type = model.TransportHTTPUpgrade
	default:
		// Unrecognized transports survive as data; the exporter skips them
		// with a warning instead of failing the batch.
		s.Transport.Type = model.TransportType(strings.ToLower(q.Get("type")))
	}
	s.Transport.Path = q.Get("path")
	s.Transport.Host = q.Get("host")
	if sn := q.Get("serviceName"); sn != "" {
		s.Transport.ServiceName = sn
	}

	security := strings.ToLower(q.Get("security"))
	if security == "tls" || security == "reality" || q.Get("sni") != "" {
		tls := &model.TLSOptions{
			Enabled:     true,
			ServerName:  q.Get("sni"),
			Fingerprint: q.Get("fp"),
			Insecure:    q.Get("insecure") == "1" || q.Get("allowInsecure") == "1",
		}
		if alpn := q.Get("alpn"); alpn != "" {
			tls.ALPN = strings.Split(alpn, ",")
		}
		if security == "reality" {
			tls.Reality = &model.RealityOptions{
				PublicKey: q.Get("pbk"),
				ShortID:   q.Get("sid"),
			}
		}
		s.TLS = tls
	}

	for _, k := range []string{"type", "path", "host", "serviceName", "security", "sni", "fp", "insecure", "allowInsecure", "alpn", "pbk", "sid"} {
		q.Del(k)
	}
	copyQueryExtras(s, q)
}

// copyQueryExtras preserves whatever query parameters the parser did not
// consume. Callers delete consumed keys from q first.
func copyQueryExtras(s *model.Server, q url.Values) {
	for k := range q {
		if v := q.Get(k); v != "" {
			s.SetExtra(k, v)
		}
	}
}
