package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitushen/modelprobe/internal/logger"
)

const (
	// DefaultMaxRetries 是传输错误时的额外重试次数。
	DefaultMaxRetries = 2
	// DefaultRetryDelay 是两次尝试之间的等待时间。
	DefaultRetryDelay = 3 * time.Second

	maxBodyBytes = 4 << 20
)

// TransportError 表示请求未得到任何 HTTP 响应（连接失败、超时等）。
type TransportError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport 判断错误是否来自传输层。
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Responder 发送带超时与有限重试的 HTTP 请求。
// 只有传输错误会重试，任何 HTTP 状态码都原样返回。
type Responder struct {
	Client     *http.Client
	MaxRetries int
	RetryDelay time.Duration
	Logger     logger.Logger
}

// NewResponder 使用默认重试参数创建 Responder。
func NewResponder(log logger.Logger) *Responder {
	if log == nil {
		log = logger.Nop()
	}
	return &Responder{
		Client:     &http.Client{},
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		Logger:     log,
	}
}

// Call 发送请求。payload 非 nil 时以 JSON 编码作为请求体。
// 返回状态码与响应体；仅在所有尝试都没有拿到响应时返回 *TransportError。
func (r *Responder) Call(ctx context.Context, method, url string, payload interface{}, timeout time.Duration) (int, []byte, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode payload: %w", err)
		}
		body = encoded
	}

	attempts := r.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, data, err := r.do(ctx, method, url, body, timeout)
		if err == nil {
			return status, data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, nil, &TransportError{URL: url, Attempts: attempt, Err: ctx.Err()}
		}
		if attempt == attempts {
			return 0, nil, &TransportError{URL: url, Attempts: attempt, Err: lastErr}
		}
		r.log().Debug("request failed, retrying",
			logger.String("url", url),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
		if !sleep(ctx, r.RetryDelay) {
			return 0, nil, &TransportError{URL: url, Attempts: attempt, Err: ctx.Err()}
		}
	}
	return 0, nil, &TransportError{URL: url, Attempts: attempts, Err: lastErr}
}

func (r *Responder) do(ctx context.Context, method, url string, body []byte, timeout time.Duration) (int, []byte, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (r *Responder) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *Responder) log() logger.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logger.Nop()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
