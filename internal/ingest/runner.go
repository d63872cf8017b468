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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// execRunner 默认 Runner：os/exec 参数化执行，超时经 context 下达
type execRunner struct{}

func (execRunner) Run(ctx context.Context, cmd []string, timeout time.Duration) (RunResult, error) {
	if len(cmd) == 0 {
		return RunResult{}, errors.New("ingest: empty command")
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	stdout, err := c.Output()
	if runCtx.Err() != nil {
		return RunResult{}, fmt.Errorf("ingest: command timed out after %s: %w", timeout, runCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return RunResult{ReturnCode: exitErr.ExitCode(), Stdout: string(stdout)}, nil
		}
		return RunResult{}, err
	}
	return RunResult{ReturnCode: 0, Stdout: string(stdout)}, nil
}
