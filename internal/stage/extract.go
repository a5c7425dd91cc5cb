package stage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/fixall/internal/agent"
)

// Extracted is the outcome of structured-result extraction. Fallback is set
// when no candidate validated and Payload holds the stage's fallback value.
type Extracted[T any] struct {
	Payload  T
	Fallback bool
	// Rejected counts candidates that were found but failed to decode or validate.
	Rejected int
}

// Validator is implemented by stage payloads.
type Validator interface {
	Validate() error
}

const fence = "```"

// Candidates returns the JSON objects a transcript offers, in transcript
// order: every json or untagged fenced block, then the final message when
// it is a bare object.
func Candidates(s agent.Stream) []string {
	out := fencedObjects(s.Text())
	if final := finalMessage(s); isObject(final) {
		out = append(out, final)
	}
	return out
}

// fencedObjects scans text line by line and returns the bodies of fenced
// blocks tagged json or untagged that hold a single object. A fence line
// inside a block always closes it.
func fencedObjects(text string) []string {
	var out []string
	var body []string
	inside, keep := false, false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, fence) {
			if inside {
				body = append(body, line)
			}
			continue
		}
		if inside {
			inside = false
			if block := strings.TrimSpace(strings.Join(body, "\n")); keep && isObject(block) {
				out = append(out, block)
			}
			continue
		}
		info := strings.TrimLeft(trimmed, "`")
		if strings.HasSuffix(info, fence) {
			// ```json {...}``` on one line
			block := strings.TrimSpace(strings.TrimSuffix(info, fence))
			block = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(block, "json"), "JSON"))
			if isObject(block) {
				out = append(out, block)
			}
			continue
		}
		info = strings.ToLower(strings.TrimSpace(info))
		inside, keep, body = true, info == "" || info == "json", nil
	}
	return out
}

func isObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func finalMessage(s agent.Stream) string {
	if t := strings.TrimSpace(s.ResultText); t != "" {
		return t
	}
	if n := len(s.Messages); n > 0 {
		return strings.TrimSpace(s.Messages[n-1])
	}
	return ""
}

// Extract tries candidates from last to first and returns the first one that
// decodes strictly into T and validates. With no valid candidate it returns
// fallback with Fallback set.
func Extract[T any, P interface {
	*T
	Validator
}](candidates []string, fallback T) Extracted[T] {
	rejected := 0
	for i := len(candidates) - 1; i >= 0; i-- {
		var v T
		if err := decodeStrict(candidates[i], P(&v)); err != nil {
			rejected++
			continue
		}
		if err := P(&v).Validate(); err != nil {
			rejected++
			continue
		}
		return Extracted[T]{Payload: v, Rejected: rejected}
	}
	return Extracted[T]{Payload: fallback, Fallback: true, Rejected: rejected}
}

// decodeStrict requires candidate to be exactly one JSON object.
func decodeStrict(candidate string, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(candidate))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data after JSON object")
	}
	return nil
}

// FlexString decodes a JSON string, or an object carrying a description,
// into plain text. Agents sometimes answer with a structured root cause.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("expected string or object: %w", err)
	}
	text := firstString(obj, "description", "summary", "cause")
	if where := firstString(obj, "file", "location"); where != "" {
		if text == "" {
			text = where
		} else {
			text += " (" + where + ")"
		}
	}
	if text == "" {
		text = string(data)
	}
	*f = FlexString(text)
	return nil
}

func firstString(obj map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		var s string
		if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}
