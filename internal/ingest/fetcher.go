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

// Package ingest 变更接入：经 p4 describe 拉取 changelist 文件表，
// 仓库前缀白名单拦截越权路径，过审后提交评审任务并入队。
package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "review-pipeline/pkg/errors"
)

var (
	depotPathPattern     = regexp.MustCompile(`^//\S+`)
	depotFileLinePattern = regexp.MustCompile(`(?m)^\.\.\. depotFile (//\S+)$`)
)

// RunResult 子进程执行结果
type RunResult struct {
	ReturnCode int
	Stdout     string
}

// Runner 子进程执行能力；参数化调用，不经 shell。测试注入假实现
type Runner interface {
	Run(ctx context.Context, cmd []string, timeout time.Duration) (RunResult, error)
}

// SecurityEvent 白名单拦截的审计记录
type SecurityEvent struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Change 一次 describe 的结果
type Change struct {
	ChangelistID int64
	Files        []string
}

// Fetcher 带白名单的 changelist 拉取器
type Fetcher struct {
	allowlist []string
	p4Binary  string
	timeout   time.Duration
	runner    Runner

	mu     sync.Mutex
	events []SecurityEvent
}

// NewFetcher 白名单在构造时校验：非空、以 // 开头、... 仅限结尾通配
func NewFetcher(allowlistPrefixes []string, p4Binary string, timeout time.Duration, runner Runner) (*Fetcher, error) {
	if len(allowlistPrefixes) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "ingest: allowlist_prefixes must not be empty")
	}
	validated := make([]string, 0, len(allowlistPrefixes))
	for _, raw := range allowlistPrefixes {
		normalized := strings.TrimRight(strings.TrimSpace(raw), "/")
		if normalized == "" {
			return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "ingest: allowlist entries must be non-empty")
		}
		if !strings.HasPrefix(normalized, "//") {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "ingest: allowlist entry %q must start with //", raw)
		}
		if strings.Contains(normalized, "...") && !strings.HasSuffix(normalized, "...") {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "ingest: allowlist wildcard is only allowed as trailing ... in %q", raw)
		}
		validated = append(validated, normalized)
	}
	if p4Binary == "" {
		p4Binary = "p4"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &Fetcher{allowlist: validated, p4Binary: p4Binary, timeout: timeout, runner: runner}, nil
}

// SecurityEvents 审计记录副本
func (f *Fetcher) SecurityEvents() []SecurityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SecurityEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *Fetcher) recordSecurityEvent(path, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, SecurityEvent{Path: path, Reason: reason})
}

func normalizeDepotPath(path string) (string, error) {
	normalized := strings.TrimSpace(path)
	if !depotPathPattern.MatchString(normalized) {
		return "", pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "ingest: invalid depot path %q", path)
	}
	return normalized, nil
}

func (f *Fetcher) isAllowed(depotPath string) bool {
	for _, prefix := range f.allowlist {
		if strings.HasSuffix(prefix, "...") {
			if strings.HasPrefix(depotPath, prefix[:len(prefix)-3]) {
				return true
			}
		} else if depotPath == prefix || strings.HasPrefix(depotPath, prefix+"/") {
			return true
		}
	}
	return false
}

// FetchChange 先校验调用方请求的路径，再执行 p4 -ztag describe -s 并校验
// 拉回的每个 depot 路径；任一路径越出白名单返回 ErrPermissionDenied 并留痕
func (f *Fetcher) FetchChange(ctx context.Context, changelistID int64, requestedPaths []string) (*Change, error) {
	for _, path := range requestedPaths {
		normalized, err := normalizeDepotPath(path)
		if err != nil {
			return nil, err
		}
		if !f.isAllowed(normalized) {
			f.recordSecurityEvent(normalized, "requested_path_not_allowed")
			return nil, pkgerrors.Wrapf(pkgerrors.ErrPermissionDenied, "ingest: requested path outside allowlist: %s", normalized)
		}
	}

	cmd := []string{f.p4Binary, "-ztag", "describe", "-s", strconv.FormatInt(changelistID, 10)}
	completed, err := f.runner.Run(ctx, cmd, f.timeout)
	if err != nil {
		return nil, err
	}
	if completed.ReturnCode != 0 {
		return nil, fmt.Errorf("ingest: p4 describe failed with code %d", completed.ReturnCode)
	}

	var files []string
	for _, match := range depotFileLinePattern.FindAllStringSubmatch(completed.Stdout, -1) {
		normalized, err := normalizeDepotPath(match[1])
		if err != nil {
			return nil, err
		}
		if !f.isAllowed(normalized) {
			f.recordSecurityEvent(normalized, "fetched_path_not_allowed")
			return nil, pkgerrors.Wrapf(pkgerrors.ErrPermissionDenied, "ingest: fetched path outside allowlist: %s", normalized)
		}
		files = append(files, normalized)
	}
	return &Change{ChangelistID: changelistID, Files: files}, nil
}
