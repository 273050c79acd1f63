package parse

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

// parseSSURI decodes both SIP002 (ss://b64(method:password)@host:port) and
// the legacy fully-base64 form (ss://b64(method:password@host:port)).
func parseSSURI(line string) (model.Server, error) {
	withoutFrag, frag, hasFrag := strings.Cut(line, "#")
	tag := ""
	if hasFrag {
		decoded, err := url.PathUnescape(frag)
		if err != nil {
			return model.Server{}, fmt.Errorf("节点名称 URL 解码失败: %w", err)
		}
		tag = strings.TrimSpace(decoded)
		if strings.ContainsAny(tag, "\r\n\x00") {
			return model.Server{}, errors.New("节点名称包含非法控制字符")
		}
	}

	withoutQuery, query, hasQuery := strings.Cut(withoutFrag, "?")
	plugin, pluginOpts, extra, err := parseSSQuery(query, hasQuery)
	if err != nil {
		return model.Server{}, err
	}

	rest := strings.TrimPrefix(withoutQuery, "ss://")
	if rest == "" {
		return model.Server{}, errors.New("ss:// 后缺少内容")
	}

	var method, password, host string
	var port uint16

	if strings.Contains(rest, "@") {
		// SIP002 form.
		userB64, hostPart, _ := strings.Cut(rest, "@")
		if userB64 == "" || hostPart == "" {
			return model.Server{}, errors.New("ss uri 格式不合法")
		}
		hostPort := hostPart
		if idx := strings.IndexByte(hostPort, '/'); idx >= 0 {
			if hostPort[idx:] != "/" {
				return model.Server{}, errors.New("ss uri path 不支持（仅允许空或 /）")
			}
			hostPort = hostPort[:idx]
		}
		method, password, err = decodeMethodPassword(userB64)
		if err != nil {
			return model.Server{}, fmt.Errorf("ss userinfo base64 解码失败: %w", err)
		}
		host, port, err = parseHostPort(hostPort)
		if err != nil {
			return model.Server{}, fmt.Errorf("服务器地址或端口不合法: %w", err)
		}
	} else {
		// Legacy form: everything base64.
		decoded, derr := decodeB64ToString(rest)
		if derr != nil {
			return model.Server{}, fmt.Errorf("ss base64 解码失败: %w", derr)
		}
		if !utf8.ValidString(decoded) {
			return model.Server{}, errors.New("ss base64 解码结果不是合法 UTF-8")
		}
		at := strings.LastIndex(decoded, "@")
		if at < 0 {
			return model.Server{}, errors.New("ss base64 解码结果缺少 @ 分隔符")
		}
		colon := strings.IndexByte(decoded[:at], ':')
		if colon <= 0 {
			return model.Server{}, errors.New("ss base64 解码结果缺少 cipher:password")
		}
		method = strings.TrimSpace(decoded[:colon])
		password = strings.TrimSpace(decoded[colon+1 : at])
		host, port, err = parseHostPort(decoded[at+1:])
		if err != nil {
			return model.Server{}, fmt.Errorf("服务器地址或端口不合法: %w", err)
		}
	}

	if method == "" || password == "" {
		return model.Server{}, errors.New("cipher 或 password 不能为空")
	}
	if strings.ContainsAny(method, "\r\n\x00") || strings.ContainsAny(password, "\r\n\x00") {
		return model.Server{}, errors.New("cipher 或 password 包含非法控制字符")
	}

	srv := model.Server{
		Protocol: model.ProtocolShadowsocks,
		Address:  host,
		Port:     port,
		Tag:      tag,
		Method:   strings.ToLower(method),
		Password: password,
	}
	if plugin != "" {
		srv.SetExtra("plugin", plugin)
		srv.SetExtra("plugin-opts", pluginOpts)
	}
	for k, v := range extra {
		srv.SetExtra(k, v)
	}
	return srv, nil
}

// parseSSQuery extracts the SIP002 plugin parameter. net/url.ParseQuery
// rejects the unencoded semicolons SIP002 uses inside the plugin value, so
// the query is split manually with '&' as the only separator. Unknown
// parameters are preserved for the exporters instead of being rejected.
func parseSSQuery(query string, hasQuery bool) (plugin, pluginOpts string, extra map[string]string, err error) {
	if !hasQuery || query == "" {
		return "", "", nil, nil
	}

	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kRaw, vRaw, hasEq := strings.Cut(part, "=")
		if !hasEq {
			return "", "", nil, errors.New("query 参数必须是 key=value 形式")
		}
		k, kerr := url.PathUnescape(kRaw)
		if kerr != nil {
			return "", "", nil, fmt.Errorf("query 参数解码失败: %w", kerr)
		}
		v, verr := url.PathUnescape(vRaw)
		if verr != nil {
			return "", "", nil, fmt.Errorf("query 参数解码失败: %w", verr)
		}

		if k != "plugin" {
			if extra == nil {
				extra = make(map[string]string)
			}
			extra[k] = v
			continue
		}
		if plugin != "" {
			return "", "", nil, errors.New("重复的 plugin 参数")
		}
		name, opts, perr := splitPluginValue(v)
		if perr != nil {
			return "", "", nil, perr
		}
		plugin, pluginOpts = name, opts
	}
	return plugin, pluginOpts, extra, nil
}

// splitPluginValue splits "name;k=v;k=v" and keeps the options as the raw
// semicolon-joined string (sing-box consumes plugin_opts in that shape).
func splitPluginValue(v string) (string, string, error) {
	if strings.TrimSpace(v) == "" {
		return "", "", errors.New("plugin 参数不能为空")
	}
	name, opts, _ := strings.Cut(v, ";")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", errors.New("plugin 名称不能为空")
	}
	return name, strings.TrimSpace(opts), nil
}

func decodeMethodPassword(userB64 string) (string, string, error) {
	decoded, err := decodeB64ToString(userB64)
	if err != nil {
		return "", "", err
	}
	if !utf8.ValidString(decoded) {
		return "", "", errors.New("decoded method:password is not valid utf-8")
	}
	colon := strings.IndexByte(decoded, ':')
	if colon <= 0 {
		return "", "", errors.New("missing ':'")
	}
	method := strings.TrimSpace(decoded[:colon])
	password := strings.TrimSpace(decoded[colon+1:])
	if method == "" || password == "" {
		return "", "", errors.New("empty method or password")
	}
	return method, password, nil
}
