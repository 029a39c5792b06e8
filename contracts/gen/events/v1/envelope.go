package v1

import (
	"encoding/json"
	"time"
)

// Envelope is the versioned event envelope shared by every settlement and
// arbitration producer. Fields are append-only; consumers ignore unknown keys.
type Envelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	OccurredAt       time.Time       `json:"occurred_at"`
	SourceService    string          `json:"source_service"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    int             `json:"schema_version"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	Data             json.RawMessage `json:"data"`
}

// DecodeData unmarshals the event payload into target.
func (e Envelope) DecodeData(target any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), target)
	}
	return json.Unmarshal(e.Data, target)
}
