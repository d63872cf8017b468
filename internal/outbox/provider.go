// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package outbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// HTTPProvider 经 HTTP 对接真实通知服务的 Provider。
// 服务端契约：POST /v1/notifications 幂等于 idempotency_key，
// GET /v1/notifications/{id} 404 表示不存在
type HTTPProvider struct {
	client *resty.Client
}

// NewHTTPProvider 创建 HTTP Provider；token 可为空（服务端不鉴权时）
func NewHTTPProvider(baseURL, token string, timeout time.Duration) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPProvider{client: client}
}

type sendRequest struct {
	Recipient      string `json:"recipient"`
	Payload        string `json:"payload"`
	IdempotencyKey string `json:"idempotency_key"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (p *HTTPProvider) Send(ctx context.Context, recipient, payload, idempotencyKey string) (string, error) {
	var body sendResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(sendRequest{Recipient: recipient, Payload: payload, IdempotencyKey: idempotencyKey}).
		SetResult(&body).
		Post("/v1/notifications")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("outbox: provider send failed: %s: %s", resp.Status(), resp.String())
	}
	return body.MessageID, nil
}

func (p *HTTPProvider) Lookup(ctx context.Context, providerMessageID string) (bool, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		Get("/v1/notifications/" + providerMessageID)
	if err != nil {
		return false, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("outbox: provider lookup failed: %s", resp.Status())
	}
	return true, nil
}

// RateLimitedProvider 令牌桶限速的 Provider 装饰器
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

func NewRateLimitedProvider(inner Provider, qps float64, burst int) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{inner: inner, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (p *RateLimitedProvider) Send(ctx context.Context, recipient, payload, idempotencyKey string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.inner.Send(ctx, recipient, payload, idempotencyKey)
}

func (p *RateLimitedProvider) Lookup(ctx context.Context, providerMessageID string) (bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return p.inner.Lookup(ctx, providerMessageID)
}
