package models

import (
	"encoding/json"
	"time"
)

// RawRecord is one persisted inbound message. Records are appended to an
// in-memory buffer, written once per flush cycle and immutable on disk.
type RawRecord struct {
	ReceivedAt      int64           `json:"received_at_ms"`
	Symbol          string          `json:"symbol"`
	DataType        string          `json:"data_type"`
	SourceTimestamp int64           `json:"source_timestamp_ms"`
	LatencyMs       int64           `json:"latency_ms"`
	Sequence        int64           `json:"sequence"`
	Payload         json.RawMessage `json:"payload"`
}

// ReceivedTime returns the receive timestamp as a UTC time.
func (r RawRecord) ReceivedTime() time.Time {
	return time.UnixMilli(r.ReceivedAt).UTC()
}

// PartitionMeta is the metadata header written at the top of every
// partition file.
type PartitionMeta struct {
	FlushID      string `json:"flush_id"`
	Symbol       string `json:"symbol"`
	DataType     string `json:"data_type"`
	MessageCount int    `json:"message_count"`
	StartTime    int64  `json:"start_time_ms"`
	EndTime      int64  `json:"end_time_ms"`
	WrittenAt    int64  `json:"written_at_ms"`
}

// PartitionFile is the on-disk layout: a header plus records ordered by
// receive time.
type PartitionFile struct {
	Meta    PartitionMeta `json:"meta"`
	Records []RawRecord   `json:"records"`
}
