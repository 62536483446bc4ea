package trace

import (
	"fmt"
	"time"
)

// Time is a trace timestamp: seconds since the Unix epoch plus a
// nanosecond remainder. The split mirrors the proxy's structured log
// encoding so records round-trip without precision loss.
type Time struct {
	Sec   int64 `json:"seconds"`
	Nanos int32 `json:"nanos"`
}

// FromStd converts a time.Time to a trace timestamp.
func FromStd(t time.Time) Time {
	return Time{Sec: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Std converts to a time.Time in UTC.
func (t Time) Std() time.Time {
	return time.Unix(t.Sec, int64(t.Nanos)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Nanos == 0
}

// Before reports whether t is strictly earlier than u.
func (t Time) Before(u Time) bool {
	if t.Sec != u.Sec {
		return t.Sec < u.Sec
	}
	return t.Nanos < u.Nanos
}

// After reports whether t is strictly later than u.
func (t Time) After(u Time) bool {
	return u.Before(t)
}

// Sub returns t-u. Negative when t precedes u.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t.Sec-u.Sec)*time.Second + time.Duration(t.Nanos-u.Nanos)
}

func (t Time) String() string {
	return t.Std().Format(time.RFC3339Nano)
}

// Textual proxy logs print day-first dates, always in UTC. The fraction
// digits vary by writer, so both layouts leave precision open-ended.
const (
	layoutTextual = "02/01/2006 15:04:05.999999999"
	layoutISOBare = "2006-01-02T15:04:05.999999999"
)

// ParseISO normalizes an ISO-8601 timestamp, with or without a zone
// suffix. Zoneless inputs are read as UTC.
func ParseISO(s string) (Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return FromStd(t), nil
	}
	t, err := time.ParseInLocation(layoutISOBare, s, time.UTC)
	if err != nil {
		return Time{}, fmt.Errorf("trace.ParseISO: %q: %w", s, err)
	}
	return FromStd(t), nil
}

// ParseTextual normalizes the day-first timestamps used by textual logs,
// e.g. "08/08/2023 04:46:18.772562". Whatever precision the fraction
// carries scales exactly to nanoseconds.
func ParseTextual(s string) (Time, error) {
	t, err := time.ParseInLocation(layoutTextual, s, time.UTC)
	if err != nil {
		return Time{}, fmt.Errorf("trace.ParseTextual: %q: %w", s, err)
	}
	return FromStd(t), nil
}
