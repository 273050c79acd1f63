package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// vmessLink is the de-facto "v2" share format: vmess://base64(JSON).
// Port and aid appear both as strings and numbers in the wild.
type vmessLink struct {
	PS   string          `json:"ps"`
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
	ID   string          `json:"id"`
	Aid  json.RawMessage `json:"aid"`
	Scy  string          `json:"scy"`
	Net  string          `json:"net"`
	Type string          `json:"type"`
	Host string          `json:"host"`
	Path string          `json:"path"`
	TLS  string          `json:"tls"`
	SNI  string          `json:"sni"`
	ALPN string          `json:"alpn"`
	FP   string          `json:"fp"`
}

func parseVMessURI(line string) (model.Server, error) {
	body := strings.TrimPrefix(line, "vmess://")
	if body == "" {
		return model.Server{}, errors.New("vmess:// 后缺少内容")
	}
	// Strip an optional fragment some clients append outside the base64 body.
	body, frag, _ := strings.Cut(body, "#")

	decoded, err := decodeB64ToBytes(removeSpaceTabCRLF(body))
	if err != nil {
		return model.Server{}, fmt.Errorf("vmess base64 解码失败: %w", err)
	}

	var link vmessLink
	if err := json.Unmarshal(decoded, &link); err != nil {
		return model.Server{}, fmt.Errorf("vmess JSON 解码失败: %w", err)
	}
	if link.Add == "" || link.ID == "" {
		return model.Server{}, errors.New("vmess 缺少 add 或 id 字段")
	}

	port, err := flexiblePort(link.Port)
	if err != nil {
		return model.Server{}, fmt.Errorf("vmess 端口不合法: %w", err)
	}

	tag := strings.TrimSpace(link.PS)
	if tag == "" {
		tag = strings.TrimSpace(frag)
	}

	srv := model.Server{
		Protocol: model.ProtocolVMess,
		Address:  link.Add,
		Port:     port,
		Tag:      tag,
		UUID:     link.ID,
	}

	if link.Scy != "" && link.Scy != "auto" {
		srv.SetExtra("security", link.Scy)
	}
	if aid := flexibleInt(link.Aid); aid > 0 {
		srv.SetExtra("alter_id", strconv.Itoa(aid))
	}

	switch strings.ToLower(link.Net) {
	case "", "tcp":
	case "ws":
		srv.Transport = model.Transport{Type: model.TransportWS, Path: link.Path, Host: link.Host}
	case "grpc":
		srv.Transport = model.Transport{Type: model.TransportGRPC, ServiceName: link.Path}
	case "h2", "http":
		srv.Transport = model.Transport{Type: model.TransportHTTP, Path: link.Path, Host: link.Host}
	case "quic":
		srv.Transport = model.Transport{Type: model.TransportQUIC}
	default:
		srv.Transport = model.Transport{Type: model.TransportType(strings.ToLower(link.Net))}
	}

	if strings.EqualFold(link.TLS, "tls") {
		tls := &model.TLSOptions{
			Enabled:     true,
			ServerName:  link.SNI,
			Fingerprint: link.FP,
		}
		if link.ALPN != "" {
			tls.ALPN = strings.Split(link.ALPN, ",")
		}
		srv.TLS = tls
	}
	return srv, nil
}

func flexiblePort(raw json.RawMessage) (uint16, error) {
	n := flexibleInt(raw)
	if n < 1 || n > 65535 {
		return 0, errors.New("port out of range")
	}
	return uint16(n), nil
}

// flexibleInt accepts both 443 and "443". Anything else yields 0.
func flexibleInt(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, cerr := strconv.Atoi(strings.TrimSpace(s)); cerr == nil {
			return v
		}
	}
	return 0
}
