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

package review

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Producer 评审结果生产能力；返回未经校验的原始 JSON 文本
type Producer interface {
	Produce(ctx context.Context, changelistID int64, reviewVersion int, files []string) (string, error)
}

// HTTPProducer 经 HTTP 调用外部评审服务
type HTTPProducer struct {
	client *resty.Client
}

func NewHTTPProducer(baseURL string, timeout time.Duration) *HTTPProducer {
	return &HTTPProducer{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type produceRequest struct {
	ChangelistID  int64    `json:"changelist_id"`
	ReviewVersion int      `json:"review_version"`
	Files         []string `json:"files"`
}

func (p *HTTPProducer) Produce(ctx context.Context, changelistID int64, reviewVersion int, files []string) (string, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(produceRequest{ChangelistID: changelistID, ReviewVersion: reviewVersion, Files: files}).
		Post("/v1/reviews")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("review: producer failed: %s: %s", resp.Status(), resp.String())
	}
	return resp.String(), nil
}
