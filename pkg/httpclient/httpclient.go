package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Client 带重试和限流处理的 HTTP 客户端（resty 封装）
// 用于价格数据源与 gas station 这类只读 JSON 端点
type Client struct {
	client *resty.Client
}

// New 创建客户端
// resty 会自动读取环境变量里的代理配置（HTTP_PROXY/HTTPS_PROXY）
func New(host string, timeout time.Duration) *Client {
	host = strings.TrimSuffix(host, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先用服务端 Retry-After
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{client: client}
}

// GetJSON 发送 GET 请求并把 2xx 响应体解析到 out
func (c *Client) GetJSON(ctx context.Context, endpoint string, params map[string]string, out any) error {
	r := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json")
	if params != nil {
		r.SetQueryParams(params)
	}
	if out != nil {
		r.SetResult(out)
	}

	resp, err := r.Get(endpoint)
	if err != nil {
		return errors.Wrapf(err, "GET %s", endpoint)
	}
	if !resp.IsSuccess() {
		return errors.Errorf("GET %s: http %d: %s", endpoint, resp.StatusCode(), truncate(resp.Body(), 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
	}
	return s
}
