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

// Package store 协调存储的公共层：统一 now() 时钟、pgx 连接池与五张表的 schema。
// 四个子系统共享一个存储句柄，但互不触碰对方的表。
package store

import "time"

// TimeLayout 所有表的时间戳格式：UTC、秒级精度
const TimeLayout = "2006-01-02 15:04:05"

// Clock 进程级 now() 原语；所有 SQL 变更统一经此打时间戳，测试可注入确定性时钟
type Clock func() time.Time

// UTCNow 默认时钟：UTC、截断到秒
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Stamp 用时钟生成时间戳字符串；c 为 nil 时用 UTCNow
func Stamp(c Clock) string {
	if c == nil {
		return UTCNow().Format(TimeLayout)
	}
	return c().UTC().Truncate(time.Second).Format(TimeLayout)
}

// FormatTime 按统一格式序列化时间
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// ParseTime 解析统一格式时间戳
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}
