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

// 独立租约回收进程：周期性把过期 running 行放回 queued，
// 每趟以 JSON 行事件输出到 stdout，便于外部采集。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"review-pipeline/internal/store"
	"review-pipeline/internal/workqueue"
	"review-pipeline/pkg/canonjson"
)

func usageError(fs *pflag.FlagSet, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fs.Usage()
	os.Exit(2)
}

func main() {
	fs := pflag.NewFlagSet("sweeper", pflag.ExitOnError)
	dsn := fs.String("dsn", "", "协调存储连接串（必填，postgres DSN）")
	intervalSeconds := fs.Float64("interval-seconds", 5.0, "两趟回收之间的间隔秒数")
	iterations := fs.Int("iterations", 0, "回收趟数；缺省一直运行")
	_ = fs.Parse(os.Args[1:])

	if *dsn == "" {
		usageError(fs, "sweeper: --dsn 必填")
	}
	if *intervalSeconds <= 0 {
		usageError(fs, "sweeper: --interval-seconds 必须为正，收到 %v", *intervalSeconds)
	}
	if fs.Changed("iterations") && *iterations <= 0 {
		usageError(fs, "sweeper: --iterations 必须为正，收到 %d", *iterations)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	pool, err := store.Open(ctx, *dsn, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweeper: 打开协调存储失败: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	sweeper := &workqueue.Sweeper{
		Queue:      workqueue.NewPgQueue(pool, store.UTCNow),
		Interval:   time.Duration(*intervalSeconds * float64(time.Second)),
		Iterations: *iterations,
		Emit: func(event map[string]interface{}) {
			line, err := canonjson.MarshalString(event)
			if err != nil {
				return
			}
			fmt.Println(line)
		},
	}
	if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "sweeper: %v\n", err)
		os.Exit(1)
	}
}
