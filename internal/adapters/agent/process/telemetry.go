package process

import (
	"strings"

	"github.com/bnema/agentloop/internal/domain"
	"github.com/bnema/agentloop/internal/jsonx"
)

const resultEventType = "result"

// telemetry is the subset of a stream-json result event the loop records.
type telemetry struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	CostUSD      float64  `json:"cost_usd"`
	IsError      bool     `json:"is_error"`
	Usage        struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func (t telemetry) cost() float64 {
	if t.TotalCostUSD != nil {
		return *t.TotalCostUSD
	}
	return t.CostUSD
}

func (t telemetry) tokens() domain.Tokens {
	return domain.Tokens{
		Input:      t.Usage.InputTokens,
		Output:     t.Usage.OutputTokens,
		CacheRead:  t.Usage.CacheReadInputTokens,
		CacheWrite: t.Usage.CacheCreationInputTokens,
	}
}

// parseTelemetry returns the last result event in a stream-json transcript,
// or the whole output when it is a single JSON document.
func parseTelemetry(output string) (telemetry, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var event telemetry
		if err := jsonx.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if event.Type == resultEventType {
			return event, true
		}
	}

	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return telemetry{}, false
	}
	var doc telemetry
	if err := jsonx.Unmarshal([]byte(trimmed), &doc); err != nil {
		return telemetry{}, false
	}
	if doc.Type != "" && doc.Type != resultEventType {
		return telemetry{}, false
	}
	return doc, true
}
