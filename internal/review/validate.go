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

// Package review 评审结果契约：顶层白名单 + 版本兼容判定整包拒收，
// 单条 finding 经过 coerce/drop 清洗后与变更文件集对账。
package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// 支持的契约版本
const (
	SupportedSchemaVersion = "1.0"
	SupportedPromptVersion = "1.0.0"
)

var (
	schemaVersionPattern = regexp.MustCompile(`^\d+\.\d+$`)
	promptVersionPattern = regexp.MustCompile(`^\d+\.\d+(?:\.\d+)?$`)
)

var allowedTopLevelKeys = map[string]bool{
	"schema_version": true,
	"prompt_version": true,
	"findings":       true,
	"summary":        true,
	"meta":           true,
}

var requiredFindingFields = []string{"id", "severity", "category", "title", "file", "line", "message"}

var (
	allowedSeverities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true, "info": true}
	allowedCategories = map[string]bool{
		"correctness": true, "security": true, "performance": true,
		"reliability": true, "maintainability": true, "style": true, "test": true,
	}
	allowedConfidence = map[string]bool{"high": true, "medium": true, "low": true}
)

// ValidationOutcome 契约校验结果。Rejected 为真时 ReviewResult 只含空 findings；
// 否则保留顶层原样，findings 换成清洗后保留的条目
type ValidationOutcome struct {
	ReviewResult map[string]interface{}
	Diagnostics  []map[string]interface{}
	Rejected     bool
}

// Recorder 诊断收集器；每条诊断携带关联 id 与动作
type Recorder struct {
	entries []map[string]interface{}
}

func (r *Recorder) Emit(correlationID, code, field, reason, action string, details map[string]interface{}) {
	entry := map[string]interface{}{
		"correlation_id": correlationID,
		"code":           code,
		"field":          field,
		"reason":         reason,
		"action":         action,
	}
	if len(details) > 0 {
		entry["details"] = details
	}
	r.entries = append(r.entries, entry)
}

// Entries 已收集的诊断
func (r *Recorder) Entries() []map[string]interface{} {
	return r.entries
}

// schemaVersionCompatible 同 major 且 minor 不低于支持版本
func schemaVersionCompatible(version string) bool {
	if !schemaVersionPattern.MatchString(version) {
		return false
	}
	var major, minor, supMajor, supMinor int
	fmt.Sscanf(version, "%d.%d", &major, &minor)
	fmt.Sscanf(SupportedSchemaVersion, "%d.%d", &supMajor, &supMinor)
	return major == supMajor && minor >= supMinor
}

// promptVersionCompatible 同 major 同 minor，patch 漂移容忍
func promptVersionCompatible(version string) bool {
	if !promptVersionPattern.MatchString(version) {
		return false
	}
	var major, minor, supMajor, supMinor int
	fmt.Sscanf(version, "%d.%d", &major, &minor)
	fmt.Sscanf(SupportedPromptVersion, "%d.%d", &supMajor, &supMinor)
	return major == supMajor && minor == supMinor
}

func rejected(recorder *Recorder) ValidationOutcome {
	return ValidationOutcome{
		ReviewResult: map[string]interface{}{"findings": []interface{}{}},
		Diagnostics:  recorder.Entries(),
		Rejected:     true,
	}
}

// ValidateAndReconcile 校验原始评审结果并与变更文件集对账。
// 顶层违约整包拒收；单条 finding 的违约逐条 drop，全部 drop 仅告警不拒收
func ValidateAndReconcile(rawPayload string, changedFiles []string, correlationID string, recorder *Recorder) ValidationOutcome {
	if recorder == nil {
		recorder = &Recorder{}
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(rawPayload)))
	decoder.UseNumber()
	var parsed interface{}
	if err := decoder.Decode(&parsed); err != nil {
		recorder.Emit(correlationID, "invalid_json", "payload", "json_parse_error", "reject",
			map[string]interface{}{"error": err.Error()})
		return rejected(recorder)
	}

	payload, ok := parsed.(map[string]interface{})
	if !ok {
		recorder.Emit(correlationID, "schema_mismatch", "payload", "top_level_not_object", "reject", nil)
		return rejected(recorder)
	}

	var unknown []string
	for key := range payload {
		if !allowedTopLevelKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		recorder.Emit(correlationID, "schema_mismatch", "payload", "unknown_top_level_key", "reject",
			map[string]interface{}{"keys": unknown})
		return rejected(recorder)
	}
	for _, key := range []string{"schema_version", "prompt_version", "findings"} {
		if _, ok := payload[key]; !ok {
			recorder.Emit(correlationID, "missing_required_field", key, "missing_required_top_level_field", "reject", nil)
			return rejected(recorder)
		}
	}

	schemaVersion, ok := payload["schema_version"].(string)
	if !ok || !schemaVersionCompatible(schemaVersion) {
		recorder.Emit(correlationID, "incompatible_version", "schema_version", "unsupported_schema_version", "reject",
			map[string]interface{}{"value": payload["schema_version"], "supported": SupportedSchemaVersion})
		return rejected(recorder)
	}
	promptVersion, ok := payload["prompt_version"].(string)
	if !ok || !promptVersionCompatible(promptVersion) {
		recorder.Emit(correlationID, "incompatible_version", "prompt_version", "unsupported_prompt_version", "reject",
			map[string]interface{}{"value": payload["prompt_version"], "supported": SupportedPromptVersion})
		return rejected(recorder)
	}

	findings, ok := payload["findings"].([]interface{})
	if !ok {
		recorder.Emit(correlationID, "schema_mismatch", "findings", "findings_not_array", "reject", nil)
		return rejected(recorder)
	}

	changedSet := NormalizeChangedFiles(changedFiles)
	kept := make([]interface{}, 0, len(findings))

	for idx, raw := range findings {
		finding, ok := raw.(map[string]interface{})
		if !ok {
			recorder.Emit(correlationID, "schema_mismatch", fmt.Sprintf("findings[%d]", idx),
				"finding_not_object", "drop", nil)
			continue
		}
		if coerced, keep := validateFinding(finding, idx, changedSet, correlationID, recorder); keep {
			kept = append(kept, coerced)
		}
	}

	if len(kept) == 0 {
		recorder.Emit(correlationID, "all_findings_dropped", "findings", "no_valid_findings_after_validation", "warn", nil)
	}

	result := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		result[k] = v
	}
	result["findings"] = kept
	return ValidationOutcome{ReviewResult: result, Diagnostics: recorder.Entries(), Rejected: false}
}

func validateFinding(finding map[string]interface{}, idx int, changedSet map[string]bool, correlationID string, recorder *Recorder) (map[string]interface{}, bool) {
	var missing []string
	for _, field := range requiredFindingFields {
		if _, ok := finding[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		recorder.Emit(correlationID, "missing_required_field", fmt.Sprintf("findings[%d]", idx),
			"missing_required_finding_field", "drop", map[string]interface{}{"missing": missing})
		return nil, false
	}

	coerced := make(map[string]interface{}, len(finding))
	for k, v := range finding {
		coerced[k] = v
	}

	for _, field := range []string{"id", "severity", "category", "title", "file", "message"} {
		if value, ok := coerced[field].(string); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != value {
				recorder.Emit(correlationID, "coercion_applied", field, "trim_whitespace", "coerce",
					map[string]interface{}{"old": value, "new": trimmed, "finding_index": idx})
				coerced[field] = trimmed
			}
		}
	}

	if file, ok := coerced["file"].(string); ok {
		normalized := NormalizePath(file)
		if normalized != file {
			recorder.Emit(correlationID, "coercion_applied", "file", "normalize_path", "coerce",
				map[string]interface{}{"old": file, "new": normalized, "finding_index": idx})
			coerced["file"] = normalized
		}
	}

	for _, field := range []string{"line", "end_line"} {
		if value, ok := coerced[field].(string); ok && isDigits(value) {
			n, err := parseInt(value)
			if err == nil {
				recorder.Emit(correlationID, "coercion_applied", field, "numeric_string_to_int", "coerce",
					map[string]interface{}{"old": value, "new": n, "finding_index": idx})
				coerced[field] = json.Number(value)
			}
		}
	}

	severity, _ := coerced["severity"].(string)
	if !allowedSeverities[severity] {
		recorder.Emit(correlationID, "invalid_enum_value", "severity", "unsupported_severity", "drop",
			map[string]interface{}{"finding_index": idx, "value": coerced["severity"]})
		return nil, false
	}
	category, _ := coerced["category"].(string)
	if !allowedCategories[category] {
		recorder.Emit(correlationID, "invalid_enum_value", "category", "unsupported_category", "drop",
			map[string]interface{}{"finding_index": idx, "value": coerced["category"]})
		return nil, false
	}
	if confidence, ok := coerced["confidence"]; ok && confidence != nil {
		cs, isString := confidence.(string)
		if !isString || !allowedConfidence[cs] {
			recorder.Emit(correlationID, "invalid_enum_value", "confidence", "unsupported_confidence", "drop",
				map[string]interface{}{"finding_index": idx, "value": confidence})
			return nil, false
		}
	}

	line, lineOK := asInt(coerced["line"])
	if !lineOK || line < 1 {
		recorder.Emit(correlationID, "invalid_line_range", "line", "line_must_be_positive_int", "drop",
			map[string]interface{}{"finding_index": idx, "value": coerced["line"]})
		return nil, false
	}
	if rawEnd, ok := coerced["end_line"]; ok && rawEnd != nil {
		endLine, endOK := asInt(rawEnd)
		if !endOK || endLine < line {
			recorder.Emit(correlationID, "invalid_line_range", "end_line", "end_line_must_be_int_and_gte_line", "drop",
				map[string]interface{}{"finding_index": idx, "line": line, "end_line": rawEnd})
			return nil, false
		}
	}

	file, _ := coerced["file"].(string)
	if !changedSet[NormalizePath(file)] {
		recorder.Emit(correlationID, "file_not_in_changed_files", "file", "unmatched_changed_file", "drop",
			map[string]interface{}{"finding_index": idx, "file": coerced["file"]})
		return nil, false
	}

	return coerced, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseInt(s string) (int64, error) {
	return json.Number(s).Int64()
}

// asInt 整数判定：json.Number 仅在无小数部分时通过
func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
