// Package parse turns raw log lines into trace events. A Decoder is
// configured with the record encoding and log kind once, at startup;
// nothing is auto-detected per line.
package parse

import (
	"github.com/warpdrive/warptrace/pkg/trace"
)

// Encoding selects how raw source lines are decoded into records.
type Encoding string

const (
	// EncodingStructured is one JSON object per line with a
	// {"seconds","nanos"} timestamp, severity, and message.
	EncodingStructured Encoding = "structured"
	// EncodingTextual is key=value lines with quoted values and
	// day-first textual timestamps.
	EncodingTextual Encoding = "textual"
	// EncodingTabular is CSV rows under a header naming at least
	// timestamp and message columns, with ISO-8601 timestamps.
	EncodingTabular Encoding = "tabular"
)

// Encodings lists every supported record encoding.
func Encodings() []Encoding {
	return []Encoding{EncodingStructured, EncodingTextual, EncodingTabular}
}

// LogKind selects the expected shape of the record's message field.
type LogKind string

const (
	// KindProxyTrace means the message field is a bare proxy message.
	KindProxyTrace LogKind = "proxy-trace"
	// KindHostLog means the message field carries a host-agent envelope
	// around the proxy message.
	KindHostLog LogKind = "host-log"
)

// LogKinds lists every supported log kind.
func LogKinds() []LogKind {
	return []LogKind{KindProxyTrace, KindHostLog}
}

// Decoder decodes one source's lines into events. It carries per-source
// state (the tabular header) and is not safe for concurrent use.
type Decoder struct {
	enc    Encoding
	kind   LogKind
	source string
	cols   tabularHeader
	line   int
}

// NewDecoder creates a decoder for one source.
func NewDecoder(enc Encoding, kind LogKind, source string) *Decoder {
	return &Decoder{enc: enc, kind: kind, source: source}
}

// Line decodes a single raw line. It returns (event, true, nil) when the
// line produced a trace event, (zero, false, nil) when the line is not a
// trace record (blank lines, headers, proxy chatter that is not a call),
// and (zero, false, err) when the line should have been a record but
// could not be decoded. Errors never stop a run; callers count them.
func (d *Decoder) Line(raw string) (trace.Event, bool, error) {
	d.line++

	rec, ok, err := d.decodeRecord(raw)
	if err != nil {
		return trace.Event{}, false, &trace.ParseError{
			Source: d.source,
			Line:   d.line,
			Reason: err.Error(),
		}
	}
	if !ok {
		return trace.Event{}, false, nil
	}

	msg := rec.Message
	host := ""
	if d.kind == KindHostLog {
		if h, inner, ok := stripHostEnvelope(msg); ok {
			host = h
			msg = inner
		}
		// Lines without the envelope fall through and are parsed as-is;
		// host agents occasionally write bare proxy lines on rotation.
	}

	ev, ok, err := parseMessage(msg)
	if err != nil {
		return trace.Event{}, false, &trace.ParseError{
			Source: d.source,
			Line:   d.line,
			Reason: err.Error(),
		}
	}
	if !ok {
		return trace.Event{}, false, nil
	}

	ev.Time = rec.Time
	ev.Source = d.source
	ev.Host = host
	return ev, true, nil
}

// Source returns the source name the decoder was created for.
func (d *Decoder) Source() string {
	return d.source
}
