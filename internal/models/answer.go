package models

import (
	"encoding/json"
	"strconv"
)

// Client answer payloads. Different client versions submit loosely typed
// values (an option letter, an index, a bare boolean), so scalar answers are
// decoded permissively here and normalized by the graders.

type FillBlankAnswer struct {
	Answers map[string]string `json:"answers"` // blank id -> answer
}

type CodeAnswer struct {
	Code string `json:"code"`
}

type TextAnswer struct {
	Text string `json:"text"`
}

// DecodeScalarAnswer renders a JSON scalar answer (string, number or bool)
// as its canonical string form. Returns false for objects, arrays, null and
// empty strings.
func DecodeScalarAnswer(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// DecodeFillBlankAnswer decodes a fill-in-the-blank payload. A bare object
// of blank id -> answer is also accepted for older clients.
func DecodeFillBlankAnswer(raw json.RawMessage) (map[string]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var wrapped FillBlankAnswer
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Answers) > 0 {
		return wrapped.Answers, true
	}
	var bare map[string]string
	if err := json.Unmarshal(raw, &bare); err == nil && len(bare) > 0 {
		return bare, true
	}
	return nil, false
}

// DecodeCodeAnswer decodes a code submission; a bare JSON string is accepted.
func DecodeCodeAnswer(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var wrapped CodeAnswer
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Code != "" {
		return wrapped.Code, true
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil && bare != "" {
		return bare, true
	}
	return "", false
}
