package parse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

func parseVLESSURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("vless uri 不合法: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return model.Server{}, errors.New("vless 缺少 UUID")
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	srv := model.Server{
		Protocol: model.ProtocolVLESS,
		Address:  host,
		Port:     port,
		Tag:      tag,
		UUID:     u.User.Username(),
	}

	q := u.Query()
	srv.Flow = q.Get("flow")
	q.Del("flow")
	applyStreamQuery(&srv, q)
	return srv, nil
}

func parseTrojanURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("trojan uri 不合法: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return model.Server{}, errors.New("trojan 缺少 password")
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	srv := model.Server{
		Protocol: model.ProtocolTrojan,
		Address:  host,
		Port:     port,
		Tag:      tag,
		Password: u.User.Username(),
	}

	q := u.Query()
	applyStreamQuery(&srv, q)
	// Trojan implies TLS even when the link does not spell it out.
	if srv.TLS == nil {
		srv.TLS = &model.TLSOptions{Enabled: true}
	}
	return srv, nil
}

func parseHysteria2URI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("hysteria2 uri 不合法: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return model.Server{}, errors.New("hysteria2 缺少认证口令")
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	auth := u.User.Username()
	if pw, ok := u.User.Password(); ok {
		auth = auth + ":" + pw
	}

	srv := model.Server{
		Protocol: model.ProtocolHysteria2,
		Address:  host,
		Port:     port,
		Tag:      tag,
		Password: auth,
	}

	q := u.Query()
	if obfs := q.Get("obfs"); obfs != "" {
		srv.SetExtra("obfs", obfs)
		srv.SetExtra("obfs-password", q.Get("obfs-password"))
	}
	q.Del("obfs")
	q.Del("obfs-password")

	tls := &model.TLSOptions{
		Enabled:    true,
		ServerName: q.Get("sni"),
		Insecure:   q.Get("insecure") == "1",
	}
	q.Del("sni")
	q.Del("insecure")
	srv.TLS = tls

	copyQueryExtras(&srv, q)
	return srv, nil
}

func parseTUICURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("tuic uri 不合法: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return model.Server{}, errors.New("tuic 缺少 UUID")
	}
	pw, _ := u.User.Password()
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	srv := model.Server{
		Protocol: model.ProtocolTUIC,
		Address:  host,
		Port:     port,
		Tag:      tag,
		UUID:     u.User.Username(),
		Password: pw,
	}

	q := u.Query()
	if cc := q.Get("congestion_control"); cc != "" {
		srv.SetExtra("congestion_control", cc)
	}
	q.Del("congestion_control")

	tls := &model.TLSOptions{
		Enabled:    true,
		ServerName: q.Get("sni"),
		Insecure:   q.Get("insecure") == "1" || q.Get("allow_insecure") == "1",
	}
	if alpn := q.Get("alpn"); alpn != "" {
		tls.ALPN = strings.Split(alpn, ",")
	}
	q.Del("sni")
	q.Del("insecure")
	q.Del("allow_insecure")
	q.Del("alpn")
	srv.TLS = tls

	copyQueryExtras(&srv, q)
	return srv, nil
}

func parseAnyTLSURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("anytls uri 不合法: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return model.Server{}, errors.New("anytls 缺少 password")
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	srv := model.Server{
		Protocol: model.ProtocolAnyTLS,
		Address:  host,
		Port:     port,
		Tag:      tag,
		Password: u.User.Username(),
	}

	q := u.Query()
	srv.TLS = &model.TLSOptions{
		Enabled:    true,
		ServerName: q.Get("sni"),
		Insecure:   q.Get("insecure") == "1",
	}
	q.Del("sni")
	q.Del("insecure")
	copyQueryExtras(&srv, q)
	return srv, nil
}

func parseSSHURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("ssh uri 不合法: %w", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return model.Server{}, errors.New("ssh 缺少用户名")
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	srv := model.Server{
		Protocol: model.ProtocolSSH,
		Address:  host,
		Port:     port,
		Tag:      tag,
	}
	srv.SetExtra("user", u.User.Username())
	if pw, ok := u.User.Password(); ok {
		srv.Password = pw
	}
	copyQueryExtras(&srv, u.Query())
	return srv, nil
}

// parseHTTPProxyURI covers http:// and https:// proxy share links. Inside a
// subscription payload these lines describe forward proxies, not web URLs.
func parseHTTPProxyURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("http uri 不合法: %w", err)
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	srv := model.Server{
		Protocol: model.ProtocolHTTP,
		Address:  host,
		Port:     port,
		Tag:      tag,
	}
	if u.User != nil {
		srv.SetExtra("username", u.User.Username())
		if pw, ok := u.User.Password(); ok {
			srv.Password = pw
		}
	}
	if u.Scheme == "https" {
		srv.TLS = &model.TLSOptions{Enabled: true, ServerName: u.Hostname()}
	}
	copyQueryExtras(&srv, u.Query())
	return srv, nil
}

func parseSOCKSURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("socks uri 不合法: %w", err)
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	srv := model.Server{
		Protocol: model.ProtocolSOCKS,
		Address:  host,
		Port:     port,
		Tag:      tag,
	}
	if u.User != nil {
		srv.SetExtra("username", u.User.Username())
		if pw, ok := u.User.Password(); ok {
			srv.Password = pw
		}
	}
	copyQueryExtras(&srv, u.Query())
	return srv, nil
}

func parseWireGuardURI(line string) (model.Server, error) {
	u, tag, err := parseStandardURI(line)
	if err != nil {
		return model.Server{}, fmt.Errorf("wireguard uri 不合法: %w", err)
	}
	host, port, err := hostPortFromURL(u)
	if err != nil {
		return model.Server{}, err
	}

	q := u.Query()
	privateKey := q.Get("private_key")
	if privateKey == "" && u.User != nil {
		privateKey = u.User.Username()
	}
	peerKey := q.Get("peer_public_key")
	if peerKey == "" {
		peerKey = q.Get("publickey")
	}
	if privateKey == "" || peerKey == "" {
		return model.Server{}, errors.New("wireguard 缺少密钥对")
	}

	srv := model.Server{
		Protocol: model.ProtocolWireGuard,
		Address:  host,
		Port:     port,
		Tag:      tag,
	}
	srv.SetExtra("private_key", privateKey)
	srv.SetExtra("peer_public_key", peerKey)
	if addr := q.Get("address"); addr != "" {
		srv.SetExtra("local_address", addr)
	}
	if mtu := q.Get("mtu"); mtu != "" {
		srv.SetExtra("mtu", mtu)
	}
	for _, k := range []string{"private_key", "peer_public_key", "publickey", "address", "mtu"} {
		q.Del(k)
	}
	copyQueryExtras(&srv, q)
	return srv, nil
}
