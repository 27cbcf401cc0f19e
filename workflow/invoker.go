package workflow

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StepInvoker 执行单个步骤调用
type StepInvoker interface {
	Invoke(ctx context.Context, step *Step, params map[string]any) (any, error)
}

// ServiceResolver 把服务名解析为基础 URL
type ServiceResolver interface {
	BaseURL(service string) (string, bool)
}

// StaticResolver 基于固定映射的 ServiceResolver
type StaticResolver map[string]string

// BaseURL 实现 ServiceResolver
func (r StaticResolver) BaseURL(service string) (string, bool) {
	u, ok := r[service]
	return u, ok
}

// maxResponseBytes 响应体读取上限
const maxResponseBytes = 10 << 20

// HTTPInvoker 通过 HTTP 调用远端服务。
// endpoint 以 "/" 开头时 POST JSON，否则以查询参数 GET。
type HTTPInvoker struct {
	client   *http.Client
	resolver ServiceResolver
	logger   *zap.Logger
}

// NewHTTPInvoker 创建 HTTP 调用器，client 为 nil 时使用加固过 TLS 的默认客户端
func NewHTTPInvoker(resolver ServiceResolver, client *http.Client, logger *zap.Logger) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Transport: hardenedTransport()}
	}
	if resolver == nil {
		resolver = StaticResolver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPInvoker{
		client:   client,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "http_invoker")),
	}
}

// hardenedTransport TLS 1.2+，仅 AEAD 密码套件
func hardenedTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			},
		},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Invoke 实现 StepInvoker
func (h *HTTPInvoker) Invoke(ctx context.Context, step *Step, params map[string]any) (any, error) {
	target, err := h.targetURL(step)
	if err != nil {
		return nil, err
	}

	var req *http.Request
	if strings.HasPrefix(step.Endpoint, "/") {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("invalid step parameters: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", target, err)
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, queryValue(v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}
	req.Header.Set("Accept", "application/json")

	h.logger.Debug("invoking step endpoint",
		zap.String("step_id", step.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
	)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d %s%s", resp.StatusCode, http.StatusText(resp.StatusCode), snippet(data))
	}
	return decodeBody(data), nil
}

func (h *HTTPInvoker) targetURL(step *Step) (string, error) {
	if strings.HasPrefix(step.Endpoint, "http://") || strings.HasPrefix(step.Endpoint, "https://") {
		return step.Endpoint, nil
	}
	base, ok := h.resolver.BaseURL(step.ServiceName)
	if !ok {
		return "", fmt.Errorf("invalid step configuration: no base URL for service %q", step.ServiceName)
	}
	if !strings.HasPrefix(step.Endpoint, "/") && step.Endpoint != "" && !strings.HasSuffix(base, "/") {
		// 相对路径但未以 "/" 开头时补齐分隔符
		return base + "/" + step.Endpoint, nil
	}
	return strings.TrimSuffix(base, "/") + step.Endpoint, nil
}

func queryValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err == nil {
		return out
	}
	return string(data)
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return ""
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return ": " + s
}

// StepFunc 进程内步骤实现
type StepFunc func(ctx context.Context, params map[string]any) (any, error)

// FuncInvoker 按名称调用注册的进程内函数，endpoint 为函数名（为空时用步骤名）
type FuncInvoker struct {
	mu    sync.RWMutex
	funcs map[string]StepFunc
}

// NewFuncInvoker 创建函数调用器
func NewFuncInvoker() *FuncInvoker {
	return &FuncInvoker{funcs: make(map[string]StepFunc)}
}

// Register 注册函数，同名覆盖
func (f *FuncInvoker) Register(name string, fn StepFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

// Len 已注册函数数量
func (f *FuncInvoker) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.funcs)
}

// Invoke 实现 StepInvoker
func (f *FuncInvoker) Invoke(ctx context.Context, step *Step, params map[string]any) (any, error) {
	name := step.Endpoint
	if name == "" {
		name = step.Name
	}
	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invalid function step: %q is not registered", name)
	}
	return fn(ctx, params)
}
