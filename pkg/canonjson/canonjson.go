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

// Package canonjson 规范化 JSON 序列化：key 升序输出，保证存储、哈希与审计 diff 稳定
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal 按 key 升序序列化 v。实现方式：先标准序列化，再解码为 map 表示后重新编码；
// encoding/json 对 map key 递归排序，struct 字段顺序因此也被归一化。
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // 保持数值原样，避免 1 变成 1e+00
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MustMarshal Marshal 的 panic 版本；仅用于已知可序列化的内部结构（事件、诊断）
func MustMarshal(v interface{}) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("canonjson: %v", err))
	}
	return b
}

// MarshalString Marshal 并返回 string
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	return string(b), err
}
