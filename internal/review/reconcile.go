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

import "strings"

// NormalizePath 归一模型产出的路径：去首尾空白、反斜杠转正斜杠、去掉开头 ./
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimPrefix(p, "./")
}

// NormalizeChangedFiles 变更文件集合归一后建索引
func NormalizeChangedFiles(changedFiles []string) map[string]bool {
	set := make(map[string]bool, len(changedFiles))
	for _, f := range changedFiles {
		set[NormalizePath(f)] = true
	}
	return set
}
