package models

import "time"

// FeatureType identifies which subsystem incurred an LLM call, for
// per-feature cost reporting.
type FeatureType string

const (
	FeatureUserMessage  FeatureType = "user_message"
	FeatureHeartbeat    FeatureType = "heartbeat"
	FeatureCompaction   FeatureType = "compaction"
	FeatureExtraction   FeatureType = "extraction"
	FeatureToolFollowup FeatureType = "tool_followup"
)

// CostRecord is one billed LLM call, with both the model that was actually
// used and the one the router would have chosen absent budget pressure.
type CostRecord struct {
	ID                 string      `json:"id"`
	SessionID          string      `json:"session_id"`
	Model              string      `json:"model"`
	FeatureType        FeatureType `json:"feature_type"`
	InputTokens        int64       `json:"input_tokens"`
	OutputTokens       int64       `json:"output_tokens"`
	CacheReadTokens    int64       `json:"cache_read_tokens"`
	CacheCreationTokens int64      `json:"cache_creation_tokens"`
	CostUSD            float64     `json:"cost_usd"`
	IntendedModel       string     `json:"intended_model"`
	CreatedAt           time.Time  `json:"created_at"`
}
