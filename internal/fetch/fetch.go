// Package fetch retrieves the raw bytes of one subscription source under
// scheme, size and timeout constraints. It never writes to disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

const stage = "fetch"

type Options struct {
	Timeout      time.Duration // default 15s
	MaxBytes     int64         // default 2 MiB
	MaxRedirects int           // default 5

	// FileRoot is the only directory file:// sources may read from. Empty
	// means file:// is rejected outright.
	FileRoot string

	// ExtraSchemes whitelists additional, explicitly declared API schemes.
	// The fetch for those is still plain HTTP(S) after scheme rewrite by the
	// caller; anything not whitelisted fails before any I/O.
	ExtraSchemes []string
}

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBytes     = 2 * 1024 * 1024
	defaultMaxRedirects = 5
)

type FetchError struct {
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects  = errors.New("too many redirects")
	errRedirectBadScheme = errors.New("redirect target scheme is not http/https")
)

func newFetchError(code, message, rawURL string, cause error) *FetchError {
	return &FetchError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     model.RedactURL(rawURL),
		},
		Cause: cause,
	}
}

// Fetch retrieves the raw payload for source. The scheme whitelist is
// enforced before any I/O; a payload over MaxBytes aborts the fetch instead
// of truncating.
func Fetch(ctx context.Context, source model.SubscriptionSource, opt Options) ([]byte, error) {
	timeout := opt.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxBytes := opt.MaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxBytes
	}
	if maxBytes < 0 {
		return nil, newFetchError("INVALID_ARGUMENT", "响应大小上限必须大于 0", source.URL, nil)
	}
	maxRedirects := opt.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = defaultMaxRedirects
	}

	u, err := url.Parse(source.URL)
	if err != nil || u == nil {
		return nil, newFetchError("INVALID_ARGUMENT", "URL 不合法", source.URL, err)
	}

	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		return fetchHTTP(ctx, source, u, timeout, maxBytes, maxRedirects)
	case u.Scheme == "file":
		return fetchFile(source.URL, u, opt.FileRoot, maxBytes)
	case schemeAllowed(u.Scheme, opt.ExtraSchemes):
		return fetchHTTP(ctx, source, u, timeout, maxBytes, maxRedirects)
	default:
		return nil, newFetchError("UNSUPPORTED_SCHEME",
			fmt.Sprintf("不支持的 URL scheme：%s", u.Scheme), source.URL, nil)
	}
}

func schemeAllowed(scheme string, extra []string) bool {
	for _, s := range extra {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

func fetchHTTP(ctx context.Context, source model.SubscriptionSource, u *url.URL, timeout time.Duration, maxBytes int64, maxRedirects int) ([]byte, error) {
	rawURL := u.String()

	client := &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newFetchError("INVALID_ARGUMENT", "请求 URL 不合法", rawURL, err)
	}
	for k, v := range source.Headers {
		req.Header.Set(k, v)
	}
	if source.UserAgent != "" {
		req.Header.Set("User-Agent", source.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if errors.Is(err, errTooManyRedirects) {
			return nil, newFetchError("FETCH_FAILED",
				fmt.Sprintf("重定向次数超过上限（>%d）", maxRedirects), rawURL, err)
		}
		if errors.Is(err, errRedirectBadScheme) {
			return nil, newFetchError("FETCH_FAILED", "重定向目标仅允许 http/https", rawURL, err)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			return nil, newFetchError("FETCH_TIMEOUT", "拉取远程资源超时", rawURL, err)
		}
		return nil, newFetchError("FETCH_FAILED", "拉取远程资源失败", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newFetchError("FETCH_FAILED",
			fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), rawURL, nil)
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, newFetchError("FETCH_TIMEOUT", "拉取远程资源超时", rawURL, err)
		}
		return nil, newFetchError("FETCH_FAILED", "读取上游响应失败", rawURL, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, newFetchError("FETCH_TOO_LARGE",
			fmt.Sprintf("远程资源过大（>%d bytes）", maxBytes), rawURL, nil)
	}
	if len(body) == 0 {
		return nil, newFetchError("FETCH_EMPTY", "远程资源为空", rawURL, nil)
	}
	return body, nil
}

// fetchFile reads a local file confined to root. The traversal check happens
// on the cleaned absolute path, before any read.
func fetchFile(rawURL string, u *url.URL, root string, maxBytes int64) ([]byte, error) {
	if root == "" {
		return nil, newFetchError("UNSUPPORTED_SCHEME", "file:// 未启用（未配置安全根目录）", rawURL, nil)
	}

	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		return nil, newFetchError("INVALID_ARGUMENT", "file:// 不支持远程主机", rawURL, nil)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, newFetchError("INVALID_ARGUMENT", "安全根目录不合法", rawURL, err)
	}
	abs, err := filepath.Abs(filepath.FromSlash(p))
	if err != nil {
		return nil, newFetchError("INVALID_ARGUMENT", "file:// 路径不合法", rawURL, err)
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, newFetchError("FETCH_FORBIDDEN", "file:// 路径越出安全根目录", rawURL, nil)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, newFetchError("FETCH_FAILED", "读取本地文件失败", rawURL, err)
	}
	if info.Size() > maxBytes {
		return nil, newFetchError("FETCH_TOO_LARGE",
			fmt.Sprintf("本地文件过大（>%d bytes）", maxBytes), rawURL, nil)
	}

	body, err := os.ReadFile(abs)
	if err != nil {
		return nil, newFetchError("FETCH_FAILED", "读取本地文件失败", rawURL, err)
	}
	if len(body) == 0 {
		return nil, newFetchError("FETCH_EMPTY", "本地文件为空", rawURL, nil)
	}
	return body, nil
}
