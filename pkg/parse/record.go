package parse

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/warpdrive/warptrace/pkg/trace"
)

// record is one decoded log record before message interpretation.
type record struct {
	Time     trace.Time
	Severity string
	Message  string
}

type structuredRecord struct {
	Timestamp trace.Time `json:"timestamp"`
	Severity  string     `json:"severity"`
	Message   string     `json:"message"`
}

var (
	textualTimeRe = regexp.MustCompile(`(?:^|\s)time="([^"]*)"`)
	textualSevRe  = regexp.MustCompile(`(?:^|\s)severity=(\S+)`)
	textualMsgRe  = regexp.MustCompile(`(?:^|\s)message="((?:[^"\\]|\\.)*)"`)
)

// decodeRecord turns one raw line into a record per the configured
// encoding. ok=false with a nil error means the line is not a record at
// all (blank, or the tabular header).
func (d *Decoder) decodeRecord(raw string) (record, bool, error) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return record{}, false, nil
	}

	switch d.enc {
	case EncodingStructured:
		return decodeStructured(line)
	case EncodingTextual:
		return decodeTextual(line)
	case EncodingTabular:
		return d.decodeTabular(line)
	}
	return record{}, false, fmt.Errorf("unknown record encoding %q", d.enc)
}

func decodeStructured(line string) (record, bool, error) {
	var sr structuredRecord
	if err := json.Unmarshal([]byte(line), &sr); err != nil {
		return record{}, false, fmt.Errorf("bad JSON record: %v", err)
	}
	if sr.Timestamp.IsZero() {
		return record{}, false, fmt.Errorf("record has no timestamp")
	}
	return record{Time: sr.Timestamp, Severity: sr.Severity, Message: sr.Message}, true, nil
}

func decodeTextual(line string) (record, bool, error) {
	tm := textualTimeRe.FindStringSubmatch(line)
	if tm == nil {
		return record{}, false, fmt.Errorf("record has no time field")
	}
	ts, err := trace.ParseTextual(tm[1])
	if err != nil {
		return record{}, false, err
	}

	rec := record{Time: ts}
	if sm := textualSevRe.FindStringSubmatch(line); sm != nil {
		rec.Severity = sm[1]
	}
	if mm := textualMsgRe.FindStringSubmatch(line); mm != nil {
		rec.Message = unescapeQuoted(mm[1])
	}
	return rec, true, nil
}

// tabularHeader maps lower-cased column names to their index.
type tabularHeader map[string]int

func (d *Decoder) decodeTabular(line string) (record, bool, error) {
	fields, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return record{}, false, fmt.Errorf("bad CSV row: %v", err)
	}

	// First row is the header by contract.
	if d.cols == nil {
		d.cols = make(tabularHeader, len(fields))
		for i, name := range fields {
			d.cols[strings.ToLower(strings.TrimSpace(name))] = i
		}
		if _, ok := d.cols["timestamp"]; !ok {
			return record{}, false, fmt.Errorf("CSV header has no timestamp column")
		}
		if _, ok := d.cols["message"]; !ok {
			return record{}, false, fmt.Errorf("CSV header has no message column")
		}
		return record{}, false, nil
	}

	col := func(name string) (string, bool) {
		idx, ok := d.cols[name]
		if !ok || idx >= len(fields) {
			return "", false
		}
		return fields[idx], true
	}

	tsRaw, ok := col("timestamp")
	if !ok {
		return record{}, false, fmt.Errorf("row has no timestamp column")
	}
	ts, err := trace.ParseISO(tsRaw)
	if err != nil {
		return record{}, false, err
	}

	rec := record{Time: ts}
	if sev, ok := col("severity"); ok {
		rec.Severity = sev
	}
	if msg, ok := col("message"); ok {
		rec.Message = msg
	}
	return rec, true, nil
}

// unescapeQuoted undoes the \" and \\ escaping textual writers apply to
// quoted values. Falls back to the raw text when it is not well-formed.
func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if out, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return out
	}
	return s
}
