// Package calllog provides the durable, append-only audit log of tool calls.
// It supports inserting records, bounded and filtered queries, lookup by call
// id, and a polling tail that follows new records as they are committed.
package calllog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the fixed-width UTC layout used for stored timestamps.
// Fixed width keeps lexical order equal to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// legacyTimestampLayouts are accepted when reading rows written by older
// writers (zone-less ISO-8601 and SQLite CURRENT_TIMESTAMP).
var legacyTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Status filters records by outcome.
type Status string

const (
	StatusAny     Status = ""
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ParseStatus validates a textual status filter.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusAny, "all":
		return StatusAny, nil
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusError, "failed", "failure":
		return StatusError, nil
	default:
		return StatusAny, fmt.Errorf("calllog: unknown status %q (want success or error)", raw)
	}
}

// CallRecord is one logged invocation of a tool.
type CallRecord struct {
	CallID        string
	ToolName      string
	Timestamp     time.Time
	Inputs        map[string]any
	Outputs       any
	Error         string
	DurationMS    float64
	AgentMetadata map[string]any

	// Seq and CreatedAt are assigned by the store.
	Seq       uint64
	CreatedAt time.Time
}

// Succeeded reports whether the call completed without error.
func (r CallRecord) Succeeded() bool {
	return r.Error == ""
}

// Status returns the outcome of the call.
func (r CallRecord) Status() Status {
	if r.Succeeded() {
		return StatusSuccess
	}
	return StatusError
}

// Cursor returns the tail position of this record.
func (r CallRecord) Cursor() Cursor {
	return Cursor{Timestamp: FormatTimestamp(r.Timestamp), Seq: r.Seq}
}

type recordJSON struct {
	CallID        string         `json:"call_id"`
	ToolName      string         `json:"tool_name"`
	Timestamp     string         `json:"timestamp"`
	Inputs        map[string]any `json:"inputs"`
	Outputs       any            `json:"outputs"`
	Error         *string        `json:"error"`
	DurationMS    float64        `json:"duration_ms"`
	AgentMetadata map[string]any `json:"agent_metadata"`
}

// MarshalJSON renders the record with an ISO-8601 timestamp and a null error
// on success.
func (r CallRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		CallID:        r.CallID,
		ToolName:      r.ToolName,
		Timestamp:     FormatTimestamp(r.Timestamp),
		Inputs:        r.Inputs,
		Outputs:       r.Outputs,
		DurationMS:    r.DurationMS,
		AgentMetadata: r.AgentMetadata,
	}
	if out.Inputs == nil {
		out.Inputs = map[string]any{}
	}
	if r.Error != "" {
		msg := r.Error
		out.Error = &msg
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the representation produced by MarshalJSON.
func (r *CallRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return err
	}
	*r = CallRecord{
		CallID:        in.CallID,
		ToolName:      in.ToolName,
		Timestamp:     ts,
		Inputs:        in.Inputs,
		Outputs:       in.Outputs,
		DurationMS:    in.DurationMS,
		AgentMetadata: in.AgentMetadata,
	}
	if in.Error != nil {
		r.Error = *in.Error
	}
	return nil
}

// NewCallID returns a random 128-bit (UUIDv4) call identifier.
func NewCallID() string {
	return uuid.NewString()
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a stored timestamp. Zone-less values are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(TimestampLayout, clean); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range legacyTimestampLayouts {
		if t, err := time.Parse(layout, clean); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("calllog: parse timestamp %q", raw)
}

// Filter narrows tail results.
type Filter struct {
	ToolName string
}

// Query selects records for listing, most recent first.
type Query struct {
	ToolName string
	Status   Status
	Limit    int
	Offset   int
}

// DefaultQueryLimit applies when Query.Limit is not positive.
const DefaultQueryLimit = 10

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.ToolName = strings.TrimSpace(q.ToolName)
	return q
}

// Cursor is a tail watermark. Records are ordered by (Timestamp, Seq); Seq
// breaks ties between records that share a timestamp.
type Cursor struct {
	Timestamp string `json:"timestamp"`
	Seq       uint64 `json:"seq"`
}

// IsZero reports whether the cursor points before the first record.
func (c Cursor) IsZero() bool {
	return c.Timestamp == "" && c.Seq == 0
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if c.Timestamp != other.Timestamp {
		return c.Timestamp < other.Timestamp
	}
	return c.Seq < other.Seq
}

func validateRecord(rec CallRecord) error {
	if strings.TrimSpace(rec.ToolName) == "" {
		return fmt.Errorf("%w: tool name is required", ErrInvalidRecord)
	}
	if rec.DurationMS < 0 {
		return fmt.Errorf("%w: negative duration %v", ErrInvalidRecord, rec.DurationMS)
	}
	if rec.Outputs != nil && rec.Error != "" {
		return fmt.Errorf("%w: outputs and error are mutually exclusive", ErrInvalidRecord)
	}
	return nil
}

// prepareRecord fills log-time fields and validates the record.
func prepareRecord(rec CallRecord, now time.Time) (CallRecord, error) {
	if err := validateRecord(rec); err != nil {
		return CallRecord{}, err
	}
	if rec.CallID == "" {
		rec.CallID = NewCallID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.CreatedAt = now.UTC()
	if rec.Inputs == nil {
		rec.Inputs = map[string]any{}
	}
	return rec, nil
}
