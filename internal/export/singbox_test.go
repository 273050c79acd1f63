package export

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

func decodeDoc(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, data)
	}
	return doc
}

func outboundsOf(t *testing.T, doc map[string]any) []map[string]any {
	t.Helper()
	raw, ok := doc["outbounds"].([]any)
	if !ok {
		t.Fatalf("no outbounds array in %v", doc)
	}
	out := make([]map[string]any, len(raw))
	for i, e := range raw {
		out[i] = e.(map[string]any)
	}
	return out
}

func TestExport_Shadowsocks(t *testing.T) {
	s := model.Server{
		Protocol: model.ProtocolShadowsocks,
		Address:  "a.example", Port: 8388, Tag: "node-a",
		Method: "aes-256-gcm", Password: "secret",
	}
	s.SetExtra("plugin", "obfs-local")
	s.SetExtra("plugin-opts", "obfs=http;obfs-host=cdn.example")

	data, err := (&SingBoxExporter{}).Export([]model.Server{s}, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	obs := outboundsOf(t, decodeDoc(t, data))
	if len(obs) != 1 {
		t.Fatalf("outbounds=%d", len(obs))
	}
	ob := obs[0]
	if ob["type"] != "shadowsocks" || ob["server"] != "a.example" || ob["server_port"] != float64(8388) {
		t.Fatalf("endpoint fields: %v", ob)
	}
	if ob["method"] != "aes-256-gcm" || ob["password"] != "secret" {
		t.Fatalf("credentials: %v", ob)
	}
	if ob["plugin"] != "obfs-local" || ob["plugin_opts"] != "obfs=http;obfs-host=cdn.example" {
		t.Fatalf("plugin fields: %v", ob)
	}
}

func TestExport_VLESSRealityOverGRPC(t *testing.T) {
	s := model.Server{
		Protocol: model.ProtocolVLESS,
		Address:  "r.example", Port: 443, Tag: "reality-node",
		UUID: "a2f9f25b-7f6a-4a6e-9103-7e8a2b7e3f01", Flow: "xtls-rprx-vision",
		Transport: model.Transport{Type: model.TransportGRPC, ServiceName: "svc"},
		TLS: &model.TLSOptions{
			Enabled:     true,
			ServerName:  "cdn.example",
			Fingerprint: "chrome",
			Reality:     &model.RealityOptions{PublicKey: "pbk", ShortID: "01ab"},
		},
	}

	data, err := (&SingBoxExporter{}).Export([]model.Server{s}, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	ob := outboundsOf(t, decodeDoc(t, data))[0]

	tls := ob["tls"].(map[string]any)
	reality := tls["reality"].(map[string]any)
	if reality["enabled"] != true || reality["public_key"] != "pbk" || reality["short_id"] != "01ab" {
		t.Fatalf("reality block: %v", reality)
	}
	utls := tls["utls"].(map[string]any)
	if utls["fingerprint"] != "chrome" {
		t.Fatalf("utls block: %v", utls)
	}
	tr := ob["transport"].(map[string]any)
	if tr["type"] != "grpc" || tr["service_name"] != "svc" {
		t.Fatalf("transport block: %v", tr)
	}
}

func TestExport_RealityOverWSSkipped(t *testing.T) {
	s := model.Server{
		Protocol: model.ProtocolVLESS,
		Address:  "r.example", Port: 443, Tag: "bad-combo",
		UUID:      "a2f9f25b-7f6a-4a6e-9103-7e8a2b7e3f01",
		Transport: model.Transport{Type: model.TransportWS, Path: "/ws"},
		TLS: &model.TLSOptions{
			Enabled: true,
			Reality: &model.RealityOptions{PublicKey: "pbk"},
		},
	}
	ok := model.Server{
		Protocol: model.ProtocolTrojan,
		Address:  "t.example", Port: 443, Tag: "survivor", Password: "p",
	}

	pctx := model.NewContext(model.ModeTolerant)
	data, err := (&SingBoxExporter{}).Export([]model.Server{s, ok}, nil, pctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	obs := outboundsOf(t, decodeDoc(t, data))
	if len(obs) != 1 || obs[0]["tag"] != "survivor" {
		t.Fatalf("outbounds: %v", obs)
	}
	if pctx.ErrorCount() != 1 {
		t.Fatalf("errors=%d, want=1", pctx.ErrorCount())
	}
	if errs := pctx.Errors(); errs[0].Kind != model.KindExport {
		t.Fatalf("kind=%s", errs[0].Kind)
	}
}

func TestExport_RealityWrongProtocolSkipped(t *testing.T) {
	s := model.Server{
		Protocol: model.ProtocolShadowsocks,
		Address:  "a.example", Port: 1, Tag: "x",
		Method: "aes-256-gcm", Password: "p",
		TLS: &model.TLSOptions{Enabled: true, Reality: &model.RealityOptions{PublicKey: "pbk"}},
	}
	pctx := model.NewContext(model.ModeTolerant)
	_, err := (&SingBoxExporter{}).Export([]model.Server{s}, nil, pctx)

	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("error type: %T", err)
	}
	if ee.AppError.Code != "EXPORT_EMPTY" {
		t.Fatalf("code=%s", ee.AppError.Code)
	}
	if pctx.ErrorCount() != 1 {
		t.Fatalf("errors=%d", pctx.ErrorCount())
	}
}

func TestExport_UnknownTransportSkipped(t *testing.T) {
	odd := model.Server{
		Protocol: model.ProtocolVMess, Address: "a", Port: 1, Tag: "odd",
		UUID:      "a2f9f25b-7f6a-4a6e-9103-7e8a2b7e3f01",
		Transport: model.Transport{Type: "kcp"},
	}
	ok := model.Server{Protocol: model.ProtocolTrojan, Address: "b", Port: 2, Tag: "ok", Password: "p"}

	pctx := model.NewContext(model.ModeTolerant)
	data, err := (&SingBoxExporter{}).Export([]model.Server{odd, ok}, nil, pctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	obs := outboundsOf(t, decodeDoc(t, data))
	if len(obs) != 1 || obs[0]["tag"] != "ok" {
		t.Fatalf("outbounds: %v", obs)
	}
	if pctx.ErrorCount() != 1 {
		t.Fatalf("errors=%d", pctx.ErrorCount())
	}
}

func TestExport_MissingMandatoryFieldSkipped(t *testing.T) {
	noUUID := model.Server{Protocol: model.ProtocolVMess, Address: "a", Port: 1, Tag: "no-uuid"}
	ok := model.Server{Protocol: model.ProtocolVMess, Address: "b", Port: 2, Tag: "ok",
		UUID: "a2f9f25b-7f6a-4a6e-9103-7e8a2b7e3f01"}

	pctx := model.NewContext(model.ModeTolerant)
	data, err := (&SingBoxExporter{}).Export([]model.Server{noUUID, ok}, nil, pctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	obs := outboundsOf(t, decodeDoc(t, data))
	if len(obs) != 1 || obs[0]["tag"] != "ok" {
		t.Fatalf("outbounds: %v", obs)
	}
	if obs[0]["security"] != "auto" {
		t.Fatalf("vmess security default: %v", obs[0])
	}
}

func TestExport_DuplicateTagsSuffixed(t *testing.T) {
	a := model.Server{Protocol: model.ProtocolTrojan, Address: "a", Port: 1, Tag: "node", Password: "p"}
	b := model.Server{Protocol: model.ProtocolTrojan, Address: "b", Port: 2, Tag: "node", Password: "p"}

	data, err := (&SingBoxExporter{}).Export([]model.Server{a, b}, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	obs := outboundsOf(t, decodeDoc(t, data))
	if obs[0]["tag"] != "node" || obs[1]["tag"] != "node-2" {
		t.Fatalf("tags: %v / %v", obs[0]["tag"], obs[1]["tag"])
	}
}

func TestExport_EmptyWithoutProfileFails(t *testing.T) {
	_, err := (&SingBoxExporter{}).Export(nil, nil, nil)
	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("error type: %T", err)
	}
	if ee.AppError.Code != "EXPORT_EMPTY" {
		t.Fatalf("code=%s", ee.AppError.Code)
	}
}

func TestExport_Profile(t *testing.T) {
	s := model.Server{Protocol: model.ProtocolTrojan, Address: "a", Port: 1, Tag: "node", Password: "p"}
	profile := &ClientProfile{
		Inbounds:      []InboundSpec{{Type: "mixed", Port: 7890}, {Type: "tun"}},
		PrivateDirect: true,
		GeoIPDirect:   []string{"cn"},
		URLTest:       true,
	}

	data, err := (&SingBoxExporter{}).Export([]model.Server{s}, profile, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	doc := decodeDoc(t, data)

	ins := doc["inbounds"].([]any)
	if len(ins) != 2 {
		t.Fatalf("inbounds=%d", len(ins))
	}
	mixed := ins[0].(map[string]any)
	if mixed["type"] != "mixed" || mixed["listen"] != "127.0.0.1" || mixed["listen_port"] != float64(7890) {
		t.Fatalf("mixed inbound: %v", mixed)
	}
	tun := ins[1].(map[string]any)
	if tun["type"] != "tun" || tun["auto_route"] != true {
		t.Fatalf("tun inbound: %v", tun)
	}
	if _, hasListen := tun["listen"]; hasListen {
		t.Fatalf("tun must not carry listen: %v", tun)
	}

	obs := outboundsOf(t, doc)
	// node + direct + urltest group.
	if len(obs) != 3 {
		t.Fatalf("outbounds=%d", len(obs))
	}
	last := obs[2]
	if last["type"] != "urltest" || last["tag"] != "auto" {
		t.Fatalf("urltest group: %v", last)
	}
	group := last["outbounds"].([]any)
	if len(group) != 1 || group[0] != "node" {
		t.Fatalf("group members: %v", group)
	}

	rt := doc["route"].(map[string]any)
	if rt["final"] != "auto" {
		t.Fatalf("route final: %v", rt)
	}
	rules := rt["rules"].([]any)
	if len(rules) != 2 {
		t.Fatalf("rules=%d", len(rules))
	}
	if rules[0].(map[string]any)["ip_is_private"] != true {
		t.Fatalf("first rule: %v", rules[0])
	}
}

func TestExport_ProfileAllowLAN(t *testing.T) {
	profile := &ClientProfile{
		Inbounds: []InboundSpec{{Type: "socks", Port: 1080}},
		AllowLAN: true,
	}
	data, err := (&SingBoxExporter{}).Export(nil, profile, nil)
	if err != nil {
		t.Fatalf("export with profile and zero nodes: %v", err)
	}
	doc := decodeDoc(t, data)
	in := doc["inbounds"].([]any)[0].(map[string]any)
	if in["listen"] != "0.0.0.0" {
		t.Fatalf("listen: %v", in)
	}
}

func TestExport_TaggedOutput(t *testing.T) {
	// Every endpoint protocol encodes; spot-check one per credential shape.
	servers := []model.Server{
		{Protocol: model.ProtocolVLESS, Address: "a", Port: 1, Tag: "vless",
			UUID: "a2f9f25b-7f6a-4a6e-9103-7e8a2b7e3f01"},
		{Protocol: model.ProtocolHysteria2, Address: "b", Port: 2, Tag: "hy2", Password: "p"},
		{Protocol: model.ProtocolTUIC, Address: "c", Port: 3, Tag: "tuic",
			UUID: "a2f9f25b-7f6a-4a6e-9103-7e8a2b7e3f01", Password: "p"},
		{Protocol: model.ProtocolSOCKS, Address: "d", Port: 4, Tag: "socks"},
		{Protocol: model.ProtocolTor, Tag: "tor"},
	}
	wg := model.Server{Protocol: model.ProtocolWireGuard, Address: "e", Port: 5, Tag: "wg"}
	wg.SetExtra("private_key", "priv")
	wg.SetExtra("peer_public_key", "pub")
	wg.SetExtra("local_address", "10.0.0.2/32")
	ssh := model.Server{Protocol: model.ProtocolSSH, Address: "f", Port: 22, Tag: "ssh"}
	ssh.SetExtra("user", "root")
	servers = append(servers, wg, ssh)

	data, err := (&SingBoxExporter{}).Export(servers, nil, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	obs := outboundsOf(t, decodeDoc(t, data))
	if len(obs) != len(servers) {
		t.Fatalf("outbounds=%d, want=%d", len(obs), len(servers))
	}
	byTag := map[string]map[string]any{}
	for _, ob := range obs {
		byTag[ob["tag"].(string)] = ob
	}
	if byTag["wg"]["private_key"] != "priv" || byTag["wg"]["peer_public_key"] != "pub" {
		t.Fatalf("wireguard keys: %v", byTag["wg"])
	}
	if byTag["ssh"]["user"] != "root" {
		t.Fatalf("ssh user: %v", byTag["ssh"])
	}
	if _, hasServer := byTag["tor"]["server"]; hasServer {
		t.Fatalf("tor must not carry an endpoint: %v", byTag["tor"])
	}
}

func TestExportRegistry(t *testing.T) {
	reg := DefaultRegistry()
	if !reg.Has(IDSingBox) {
		t.Fatalf("sing-box exporter not registered")
	}
	s := model.Server{Protocol: model.ProtocolTrojan, Address: "a", Port: 1, Tag: "n", Password: "p"}
	data, err := Export(reg, []model.Server{s}, IDSingBox, nil, nil)
	if err != nil {
		t.Fatalf("export via registry: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("empty output")
	}

	_, err = Export(reg, []model.Server{s}, "clash", nil, nil)
	var ee *ExportError
	if !errors.As(err, &ee) || ee.AppError.Code != "UNSUPPORTED_TARGET" {
		t.Fatalf("unknown target error: %v", err)
	}
}
