package agent

import (
	"encoding/json"
	"strings"
)

// Stream is the decoded form of a stream-json transcript.
type Stream struct {
	// Messages holds assistant text blocks and raw non-JSON lines, in order.
	Messages   []string
	ResultText string
	IsError    bool
	DurationMS int64
	CostUSD    float64
	NumTurns   int
	HasResult  bool
}

// Text joins every message and the final result text for extraction.
func (s Stream) Text() string {
	parts := append([]string{}, s.Messages...)
	if s.ResultText != "" {
		parts = append(parts, s.ResultText)
	}
	return strings.Join(parts, "\n\n")
}

type streamLine struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	Message      *streamMessage  `json:"message"`
	Result       json.RawMessage `json:"result"`
	IsError      bool            `json:"is_error"`
	DurationMS   int64           `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	NumTurns     int             `json:"num_turns"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseStream decodes a transcript line by line. Lines that are not JSON
// objects are kept verbatim so plain-text agent output still reaches
// extraction.
func ParseStream(transcript string) Stream {
	var s Stream
	var raw []string
	flushRaw := func() {
		if len(raw) > 0 {
			s.Messages = append(s.Messages, strings.Join(raw, "\n"))
			raw = nil
		}
	}

	for _, line := range strings.Split(transcript, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(raw) > 0 {
				raw = append(raw, "")
			}
			continue
		}
		var sl streamLine
		if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &sl) != nil || sl.Type == "" {
			raw = append(raw, line)
			continue
		}
		flushRaw()

		switch sl.Type {
		case "assistant":
			if sl.Message != nil {
				if text := messageText(sl.Message.Content); text != "" {
					s.Messages = append(s.Messages, text)
				}
			}
		case "result":
			s.HasResult = true
			s.IsError = sl.IsError || strings.HasPrefix(sl.Subtype, "error")
			s.DurationMS = sl.DurationMS
			s.CostUSD = sl.TotalCostUSD
			s.NumTurns = sl.NumTurns
			var text string
			if json.Unmarshal(sl.Result, &text) == nil {
				s.ResultText = text
			}
		}
	}
	flushRaw()
	return s
}

// messageText concatenates the text blocks of an assistant message. Content
// may be a plain string or a list of typed blocks.
func messageText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var str string
	if json.Unmarshal(content, &str) == nil {
		return str
	}
	var blocks []contentBlock
	if json.Unmarshal(content, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
