// Package validate holds the two validation points of the pipeline: raw
// payload checks before parsing and per-record semantic checks after.
package validate

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/net/idna"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

const stage = "validate"

type ValidateError struct {
	AppError model.AppError
	Cause    error
}

func (e *ValidateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ValidateError) Unwrap() error { return e.Cause }

// Raw validates the fetched payload before any parser sees it.
func Raw(sourceURL string, raw []byte, maxBytes int64) error {
	if len(raw) == 0 {
		return &ValidateError{AppError: model.AppError{
			Code: "VALIDATE_EMPTY", Message: "订阅内容为空", Stage: stage,
			URL: model.RedactURL(sourceURL),
		}}
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return &ValidateError{AppError: model.AppError{
			Code:    "VALIDATE_TOO_LARGE",
			Message: fmt.Sprintf("订阅内容过大（>%d bytes）", maxBytes),
			Stage:   stage,
			URL:     model.RedactURL(sourceURL),
		}}
	}
	if !utf8.Valid(raw) {
		return &ValidateError{AppError: model.AppError{
			Code: "VALIDATE_INVALID_UTF8", Message: "订阅内容不是合法 UTF-8 文本", Stage: stage,
			URL: model.RedactURL(sourceURL),
		}}
	}
	return nil
}

// Issue is one rejected record. The coordinator decides, per mode, whether an
// issue is fatal or just drops the record.
type Issue struct {
	ServerID string
	Tag      string
	Message  string
}

// Servers runs the per-record semantic checks and returns the surviving
// records plus one issue per rejected record. It never errors as a whole;
// strict-mode escalation is the coordinator's call.
func Servers(in []model.Server) ([]model.Server, []Issue) {
	out := make([]model.Server, 0, len(in))
	var issues []Issue
	for i := range in {
		srv := in[i]
		if err := validateServer(&srv); err != nil {
			issues = append(issues, Issue{
				ServerID: srv.ID(),
				Tag:      srv.Tag,
				Message:  err.Error(),
			})
			continue
		}
		out = append(out, srv)
	}
	return out, issues
}

func validateServer(s *model.Server) error {
	if !s.Protocol.Valid() {
		return fmt.Errorf("未知协议：%s", s.Protocol)
	}

	needsEndpoint := s.Protocol != model.ProtocolTor && s.Protocol != model.ProtocolDirect
	if needsEndpoint {
		if s.Address == "" {
			return fmt.Errorf("缺少服务器地址")
		}
		if s.Port == 0 {
			return fmt.Errorf("端口不合法")
		}
		if err := normalizeAddress(s); err != nil {
			return err
		}
	}

	if err := requireProtocolFields(s); err != nil {
		return err
	}

	// No-code-execution guarantee: reject anything shell-like where only
	// data is expected.
	fields := []struct {
		name       string
		value      string
		credential bool
	}{
		{"tag", s.Tag, false},
		{"address", s.Address, false},
		{"method", s.Method, false},
		{"uuid", s.UUID, false},
		{"flow", s.Flow, false},
		{"password", s.Password, true},
	}
	for _, f := range fields {
		if looksExecutable(f.value, f.credential) {
			return fmt.Errorf("字段 %s 含有可疑的可执行内容", f.name)
		}
	}
	return nil
}

// normalizeAddress lowercases hostnames and folds internationalized names to
// their ASCII (punycode) form. IP literals pass through unchanged.
func normalizeAddress(s *model.Server) error {
	addr := strings.TrimSpace(s.Address)
	if ip := net.ParseIP(addr); ip != nil {
		s.Address = addr
		return nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(addr))
	if err != nil {
		return fmt.Errorf("服务器地址不合法：%w", err)
	}
	s.Address = ascii
	return nil
}

func requireProtocolFields(s *model.Server) error {
	switch s.Protocol {
	case model.ProtocolShadowsocks:
		if s.Method == "" || s.Password == "" {
			return fmt.Errorf("shadowsocks 需要 method 和 password")
		}
	case model.ProtocolVMess, model.ProtocolVLESS:
		if _, err := uuid.Parse(s.UUID); err != nil {
			return fmt.Errorf("%s 需要合法的 UUID", s.Protocol)
		}
	case model.ProtocolTUIC:
		if _, err := uuid.Parse(s.UUID); err != nil {
			return fmt.Errorf("tuic 需要合法的 UUID")
		}
		if s.Password == "" {
			return fmt.Errorf("tuic 需要 password")
		}
	case model.ProtocolTrojan, model.ProtocolHysteria2, model.ProtocolAnyTLS, model.ProtocolShadowTLS:
		if s.Password == "" {
			return fmt.Errorf("%s 需要 password", s.Protocol)
		}
	case model.ProtocolWireGuard:
		if v, _ := s.GetExtra("private_key"); v == "" {
			return fmt.Errorf("wireguard 需要 private_key")
		}
		if v, _ := s.GetExtra("peer_public_key"); v == "" {
			return fmt.Errorf("wireguard 需要 peer_public_key")
		}
	case model.ProtocolSSH:
		if v, _ := s.GetExtra("user"); v == "" {
			return fmt.Errorf("ssh 需要用户名")
		}
	}
	return nil
}

// looksExecutable flags shell metacharacters in data-only fields. Command
// substitution and control characters have no business anywhere; the bare
// statement separator is tolerated only in credentials, which legitimately
// contain odd characters (SIP002 plugin strings for one).
func looksExecutable(v string, credential bool) bool {
	if strings.ContainsAny(v, "\r\n\x00") {
		return true
	}
	if strings.Contains(v, "$(") || strings.Contains(v, "`") {
		return true
	}
	return !credential && strings.Contains(v, ";")
}
