// Package shared holds helpers used by every engine adapter: loose map
// access, the canonical tool vocabulary, debug capture and protocol tracing.
package shared

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotObject is returned when a line decodes to JSON that is not an object.
var ErrNotObject = errors.New("event is not a JSON object")

// DecodeError wraps a failure to decode one raw event.
type DecodeError struct {
	Engine  string
	Preview string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode event %q: %v", e.Engine, e.Preview, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError builds a DecodeError with a shortened preview of raw.
func NewDecodeError(engine string, raw []byte, err error) *DecodeError {
	return &DecodeError{Engine: engine, Preview: Preview(raw, 120), Err: err}
}

// ParseTimestamp parses an RFC 3339 timestamp, a unix seconds/millis number,
// or returns the zero time.
func ParseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC()
			}
		}
	case float64:
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC()
		}
		if t > 0 {
			return time.Unix(int64(t), 0).UTC()
		}
	}
	return time.Time{}
}
