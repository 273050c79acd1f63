package export

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// SingBoxExporter encodes records as one sing-box JSON document: typed
// outbounds, optional inbounds/route from a ClientProfile.
type SingBoxExporter struct{}

func (e *SingBoxExporter) ID() string { return IDSingBox }

type document struct {
	Inbounds  []inbound `json:"inbounds,omitempty"`
	Outbounds []any     `json:"outbounds"`
	Route     *route    `json:"route,omitempty"`
}

type inbound struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Listen     string `json:"listen,omitempty"`
	ListenPort uint16 `json:"listen_port,omitempty"`
	AutoRoute  bool   `json:"auto_route,omitempty"`
}

type route struct {
	Rules []routeRule `json:"rules,omitempty"`
	Final string      `json:"final,omitempty"`
}

type routeRule struct {
	IPIsPrivate bool     `json:"ip_is_private,omitempty"`
	GeoIP       []string `json:"geoip,omitempty"`
	Outbound    string   `json:"outbound"`
}

type tlsBlock struct {
	Enabled    bool          `json:"enabled"`
	ServerName string        `json:"server_name,omitempty"`
	Insecure   bool          `json:"insecure,omitempty"`
	ALPN       []string      `json:"alpn,omitempty"`
	UTLS       *utlsBlock    `json:"utls,omitempty"`
	Reality    *realityBlock `json:"reality,omitempty"`
}

type utlsBlock struct {
	Enabled     bool   `json:"enabled"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type realityBlock struct {
	Enabled   bool   `json:"enabled"`
	PublicKey string `json:"public_key"`
	ShortID   string `json:"short_id,omitempty"`
}

type transportBlock struct {
	Type        string            `json:"type"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Host        string            `json:"host,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
}

// outboundBase carries the fields every endpoint outbound shares; per-protocol
// structs embed it so their fields flatten into one JSON object.
type outboundBase struct {
	Type       string          `json:"type"`
	Tag        string          `json:"tag"`
	Server     string          `json:"server,omitempty"`
	ServerPort uint16          `json:"server_port,omitempty"`
	TLS        *tlsBlock       `json:"tls,omitempty"`
	Transport  *transportBlock `json:"transport,omitempty"`
}

type shadowsocksOutbound struct {
	outboundBase
	Method     string `json:"method"`
	Password   string `json:"password"`
	Plugin     string `json:"plugin,omitempty"`
	PluginOpts string `json:"plugin_opts,omitempty"`
}

type vmessOutbound struct {
	outboundBase
	UUID     string `json:"uuid"`
	Security string `json:"security,omitempty"`
	AlterID  int    `json:"alter_id,omitempty"`
}

type vlessOutbound struct {
	outboundBase
	UUID string `json:"uuid"`
	Flow string `json:"flow,omitempty"`
}

type trojanOutbound struct {
	outboundBase
	Password string `json:"password"`
}

type wireguardOutbound struct {
	outboundBase
	PrivateKey    string   `json:"private_key"`
	PeerPublicKey string   `json:"peer_public_key"`
	LocalAddress  []string `json:"local_address,omitempty"`
}

type hysteria2Outbound struct {
	outboundBase
	Password string         `json:"password"`
	Obfs     *hysteria2Obfs `json:"obfs,omitempty"`
}

type hysteria2Obfs struct {
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
}

type tuicOutbound struct {
	outboundBase
	UUID              string `json:"uuid"`
	Password          string `json:"password,omitempty"`
	CongestionControl string `json:"congestion_control,omitempty"`
}

type shadowtlsOutbound struct {
	outboundBase
	Password string `json:"password"`
	Version  int    `json:"version,omitempty"`
}

type anytlsOutbound struct {
	outboundBase
	Password string `json:"password"`
}

type sshOutbound struct {
	outboundBase
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
}

type httpOutbound struct {
	outboundBase
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type socksOutbound struct {
	outboundBase
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Version  string `json:"version,omitempty"`
}

type urltestOutbound struct {
	Type      string   `json:"type"`
	Tag       string   `json:"tag"`
	Outbounds []string `json:"outbounds"`
}

// Export encodes servers into one JSON document. A record the codec cannot
// express is skipped with a context error; the export fails only when nothing
// at all can be emitted.
func (e *SingBoxExporter) Export(servers []model.Server, profile *ClientProfile, pctx *model.PipelineContext) ([]byte, error) {
	outbounds := make([]any, 0, len(servers))
	tags := make([]string, 0, len(servers))
	usedTags := make(map[string]int)

	for i := range servers {
		s := &servers[i]
		ob, tag, err := outboundFor(s, usedTags)
		if err != nil {
			if pctx != nil {
				pctx.AddError(model.KindExport, stage,
					fmt.Sprintf("节点已跳过：%v", err), s.Tag)
			}
			continue
		}
		outbounds = append(outbounds, ob)
		tags = append(tags, tag)
	}

	if len(outbounds) == 0 && profile == nil {
		return nil, newExportError("EXPORT_EMPTY", "没有任何可导出的节点", nil)
	}

	doc := document{Outbounds: outbounds}
	if profile != nil {
		applyProfile(&doc, profile, tags)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, newExportError("EXPORT_FAILED", "序列化配置失败", err)
	}
	return append(data, '\n'), nil
}

// realityTransports are the stream types the camouflage handshake can ride on.
var realityTransports = map[model.TransportType]struct{}{
	model.TransportNone: {},
	model.TransportGRPC: {},
	model.TransportHTTP: {},
}

func outboundFor(s *model.Server, usedTags map[string]int) (any, string, error) {
	if s.Protocol != model.ProtocolTor && s.Protocol != model.ProtocolDirect {
		if s.Address == "" || s.Port == 0 {
			return nil, "", fmt.Errorf("缺少服务器地址或端口")
		}
	}
	switch s.Transport.Type {
	case model.TransportNone, model.TransportWS, model.TransportGRPC,
		model.TransportHTTP, model.TransportQUIC, model.TransportHTTPUpgrade:
	default:
		return nil, "", fmt.Errorf("不支持的传输层：%s", s.Transport.Type)
	}
	if s.TLS != nil && s.TLS.Reality != nil {
		if s.Protocol != model.ProtocolVLESS && s.Protocol != model.ProtocolTrojan {
			return nil, "", fmt.Errorf("reality 不支持协议 %s", s.Protocol)
		}
		if _, ok := realityTransports[s.Transport.Type]; !ok {
			return nil, "", fmt.Errorf("reality 不支持传输层 %s", s.Transport.Type)
		}
	}

	base := outboundBase{
		Type:       string(s.Protocol),
		Tag:        uniqueTag(s, usedTags),
		Server:     s.Address,
		ServerPort: s.Port,
		TLS:        tlsFor(s),
		Transport:  transportFor(s),
	}

	extra := func(k string) string {
		v, _ := s.GetExtra(k)
		return v
	}

	var ob any
	switch s.Protocol {
	case model.ProtocolShadowsocks:
		if s.Method == "" || s.Password == "" {
			return nil, "", fmt.Errorf("shadowsocks 缺少加密方法或密码")
		}
		ob = shadowsocksOutbound{
			outboundBase: base,
			Method:       s.Method,
			Password:     s.Password,
			Plugin:       extra("plugin"),
			PluginOpts:   extra("plugin-opts"),
		}
	case model.ProtocolVMess:
		if s.UUID == "" {
			return nil, "", fmt.Errorf("vmess 缺少 uuid")
		}
		alterID, _ := strconv.Atoi(extra("alter_id"))
		security := extra("security")
		if security == "" {
			security = "auto"
		}
		ob = vmessOutbound{outboundBase: base, UUID: s.UUID, Security: security, AlterID: alterID}
	case model.ProtocolVLESS:
		if s.UUID == "" {
			return nil, "", fmt.Errorf("vless 缺少 uuid")
		}
		ob = vlessOutbound{outboundBase: base, UUID: s.UUID, Flow: s.Flow}
	case model.ProtocolTrojan:
		if s.Password == "" {
			return nil, "", fmt.Errorf("trojan 缺少密码")
		}
		ob = trojanOutbound{outboundBase: base, Password: s.Password}
	case model.ProtocolWireGuard:
		priv, pub := extra("private_key"), extra("peer_public_key")
		if priv == "" || pub == "" {
			return nil, "", fmt.Errorf("wireguard 缺少密钥对")
		}
		var local []string
		if v := extra("local_address"); v != "" {
			local = strings.Split(v, ",")
		}
		ob = wireguardOutbound{outboundBase: base, PrivateKey: priv, PeerPublicKey: pub, LocalAddress: local}
	case model.ProtocolHysteria2:
		if s.Password == "" {
			return nil, "", fmt.Errorf("hysteria2 缺少密码")
		}
		var obfs *hysteria2Obfs
		if typ := extra("obfs"); typ != "" {
			obfs = &hysteria2Obfs{Type: typ, Password: extra("obfs-password")}
		}
		ob = hysteria2Outbound{outboundBase: base, Password: s.Password, Obfs: obfs}
	case model.ProtocolTUIC:
		if s.UUID == "" {
			return nil, "", fmt.Errorf("tuic 缺少 uuid")
		}
		ob = tuicOutbound{
			outboundBase:      base,
			UUID:              s.UUID,
			Password:          s.Password,
			CongestionControl: extra("congestion_control"),
		}
	case model.ProtocolShadowTLS:
		if s.Password == "" {
			return nil, "", fmt.Errorf("shadowtls 缺少密码")
		}
		version, _ := strconv.Atoi(extra("version"))
		ob = shadowtlsOutbound{outboundBase: base, Password: s.Password, Version: version}
	case model.ProtocolAnyTLS:
		if s.Password == "" {
			return nil, "", fmt.Errorf("anytls 缺少密码")
		}
		ob = anytlsOutbound{outboundBase: base, Password: s.Password}
	case model.ProtocolSSH:
		user := extra("user")
		if user == "" {
			user = extra("username")
		}
		if user == "" {
			return nil, "", fmt.Errorf("ssh 缺少用户名")
		}
		ob = sshOutbound{outboundBase: base, User: user, Password: s.Password}
	case model.ProtocolHTTP:
		ob = httpOutbound{outboundBase: base, Username: extra("username"), Password: s.Password}
	case model.ProtocolSOCKS:
		ob = socksOutbound{outboundBase: base, Username: extra("username"), Password: s.Password, Version: extra("version")}
	case model.ProtocolTor, model.ProtocolDirect:
		ob = base
	default:
		return nil, "", fmt.Errorf("不支持的协议类型：%s", s.Protocol)
	}
	return ob, base.Tag, nil
}

// uniqueTag guarantees per-document tag uniqueness; the route section refers
// to outbounds by tag.
func uniqueTag(s *model.Server, used map[string]int) string {
	tag := s.Tag
	if tag == "" {
		tag = s.Address + ":" + strconv.Itoa(int(s.Port))
	}
	n := used[tag]
	used[tag] = n + 1
	if n == 0 {
		return tag
	}
	return fmt.Sprintf("%s-%d", tag, n+1)
}

func tlsFor(s *model.Server) *tlsBlock {
	if s.TLS == nil || !s.TLS.Enabled {
		return nil
	}
	t := &tlsBlock{
		Enabled:    true,
		ServerName: s.TLS.ServerName,
		Insecure:   s.TLS.Insecure,
		ALPN:       s.TLS.ALPN,
	}
	if s.TLS.Fingerprint != "" {
		t.UTLS = &utlsBlock{Enabled: true, Fingerprint: s.TLS.Fingerprint}
	}
	if s.TLS.Reality != nil {
		t.Reality = &realityBlock{
			Enabled:   true,
			PublicKey: s.TLS.Reality.PublicKey,
			ShortID:   s.TLS.Reality.ShortID,
		}
	}
	return t
}

func transportFor(s *model.Server) *transportBlock {
	switch s.Transport.Type {
	case model.TransportNone:
		return nil
	case model.TransportWS:
		t := &transportBlock{Type: "ws", Path: s.Transport.Path}
		if s.Transport.Host != "" {
			t.Headers = map[string]string{"Host": s.Transport.Host}
		}
		return t
	case model.TransportGRPC:
		return &transportBlock{Type: "grpc", ServiceName: s.Transport.ServiceName}
	case model.TransportHTTP:
		return &transportBlock{Type: "http", Path: s.Transport.Path, Host: s.Transport.Host}
	case model.TransportQUIC:
		return &transportBlock{Type: "quic"}
	case model.TransportHTTPUpgrade:
		return &transportBlock{Type: "httpupgrade", Path: s.Transport.Path, Host: s.Transport.Host}
	default:
		// unreachable: outboundFor rejects unknown transports first
		return nil
	}
}

func applyProfile(doc *document, profile *ClientProfile, tags []string) {
	listen := "127.0.0.1"
	if profile.AllowLAN {
		listen = "0.0.0.0"
	}
	for i, spec := range profile.Inbounds {
		in := inbound{
			Type: spec.Type,
			Tag:  fmt.Sprintf("%s-in-%d", spec.Type, i),
		}
		if spec.Type == "tun" {
			in.AutoRoute = true
		} else {
			in.Listen = listen
			in.ListenPort = spec.Port
		}
		doc.Inbounds = append(doc.Inbounds, in)
	}

	r := &route{}
	needDirect := false
	if profile.PrivateDirect {
		r.Rules = append(r.Rules, routeRule{IPIsPrivate: true, Outbound: "direct"})
		needDirect = true
	}
	if len(profile.GeoIPDirect) > 0 {
		r.Rules = append(r.Rules, routeRule{GeoIP: profile.GeoIPDirect, Outbound: "direct"})
		needDirect = true
	}
	if needDirect {
		doc.Outbounds = append(doc.Outbounds, outboundBase{Type: "direct", Tag: "direct"})
	}
	if profile.URLTest && len(tags) > 0 {
		doc.Outbounds = append(doc.Outbounds, urltestOutbound{
			Type:      "urltest",
			Tag:       "auto",
			Outbounds: tags,
		})
		r.Final = "auto"
	}
	if len(r.Rules) > 0 || r.Final != "" {
		doc.Route = r
	}
}
