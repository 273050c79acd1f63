package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Protocol is the tagged kind of one proxy endpoint.
type Protocol string

const (
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolVMess       Protocol = "vmess"
	ProtocolVLESS       Protocol = "vless"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolWireGuard   Protocol = "wireguard"
	ProtocolHysteria2   Protocol = "hysteria2"
	ProtocolTUIC        Protocol = "tuic"
	ProtocolShadowTLS   Protocol = "shadowtls"
	ProtocolAnyTLS      Protocol = "anytls"
	ProtocolTor         Protocol = "tor"
	ProtocolSSH         Protocol = "ssh"
	ProtocolHTTP        Protocol = "http"
	ProtocolSOCKS       Protocol = "socks"
	ProtocolDirect      Protocol = "direct"
)

var knownProtocols = map[Protocol]struct{}{
	ProtocolShadowsocks: {}, ProtocolVMess: {}, ProtocolVLESS: {},
	ProtocolTrojan: {}, ProtocolWireGuard: {}, ProtocolHysteria2: {},
	ProtocolTUIC: {}, ProtocolShadowTLS: {}, ProtocolAnyTLS: {},
	ProtocolTor: {}, ProtocolSSH: {}, ProtocolHTTP: {},
	ProtocolSOCKS: {}, ProtocolDirect: {},
}

func (p Protocol) Valid() bool {
	_, ok := knownProtocols[p]
	return ok
}

// TransportType selects the stream wrapper around the proxy protocol.
// Empty means plain TCP.
type TransportType string

const (
	TransportNone        TransportType = ""
	TransportWS          TransportType = "ws"
	TransportGRPC        TransportType = "grpc"
	TransportHTTP        TransportType = "http"
	TransportQUIC        TransportType = "quic"
	TransportHTTPUpgrade TransportType = "httpupgrade"
)

type Transport struct {
	Type        TransportType
	Path        string // ws/http/httpupgrade
	Host        string // ws Host header / http host
	ServiceName string // grpc
}

// RealityOptions is the TLS-camouflage variant. Mutually exclusive with a
// plain TLS certificate chain; carried inside TLSOptions.
type RealityOptions struct {
	PublicKey string
	ShortID   string
}

type TLSOptions struct {
	Enabled     bool
	ServerName  string
	ALPN        []string
	Insecure    bool
	Fingerprint string // uTLS fingerprint name
	Reality     *RealityOptions
}

// Server is the canonical record for one proxy endpoint. It is created once
// by a parser, annotated in place by middleware/postprocessors, and read-only
// by the time it reaches an exporter. Filtering stages drop records, they
// never mutate them into absence.
//
// Protocol-mandatory fields that are shared across protocols are explicit;
// everything else (unknown query params, pipeline annotations like geo and
// latency) goes through Extra to preserve round-trip fidelity.
type Server struct {
	Protocol Protocol
	Address  string // hostname or IP; no DNS resolution happens here
	Port     uint16

	Tag      string
	UUID     string // vmess/vless/tuic
	Password string
	Method   string // shadowsocks cipher
	Flow     string // vless

	Transport Transport
	TLS       *TLSOptions

	Extra map[string]string
}

// ID returns the stable identity of the endpoint: a short hash over
// protocol+address+port. It is what dedup and the exclusion list key on.
func (s *Server) ID() string {
	h := sha256.New()
	h.Write([]byte(string(s.Protocol)))
	h.Write([]byte{'\n'})
	h.Write([]byte(s.Address))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.Itoa(int(s.Port))))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *Server) SetExtra(k, v string) {
	if s.Extra == nil {
		s.Extra = make(map[string]string)
	}
	s.Extra[k] = v
}

func (s *Server) GetExtra(k string) (string, bool) {
	if s.Extra == nil {
		return "", false
	}
	v, ok := s.Extra[k]
	return v, ok
}
