package parse

import (
	"errors"
	"testing"
	"time"

	"github.com/warpdrive/warptrace/pkg/trace"
)

func TestStructuredKernelRequest(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindProxyTrace, "trace.jsonl")
	line := `{"timestamp":{"seconds":1704444226,"nanos":875341693},"severity":"TRACE","message":"fuse_debug: Op 0x00000102 connection.go:415] <- ReadFile (inode 2, PID 1693466, handle 0, offset 4096, 4096 bytes)"}`

	ev, ok, err := d.Line(line)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Kind != trace.KindRequest {
		t.Errorf("expected request, got %v", ev.Kind)
	}
	if ev.Layer != trace.LayerKernel {
		t.Errorf("expected kernel layer, got %v", ev.Layer)
	}
	if ev.Opcode != "0x00000102" {
		t.Errorf("expected opcode 0x00000102, got %q", ev.Opcode)
	}
	if ev.Call != trace.CallReadFile {
		t.Errorf("expected ReadFile, got %q", ev.Call)
	}
	if ev.Time.Sec != 1704444226 || ev.Time.Nanos != 875341693 {
		t.Errorf("unexpected timestamp %+v", ev.Time)
	}
	if ev.Inode != 2 || ev.PID != 1693466 {
		t.Errorf("unexpected refs inode=%d pid=%d", ev.Inode, ev.PID)
	}
	if !ev.HasHandle || ev.Handle != 0 {
		t.Errorf("expected handle 0 present, got has=%v handle=%d", ev.HasHandle, ev.Handle)
	}
	if ev.Offset != 4096 || ev.Size != 4096 {
		t.Errorf("unexpected payload offset=%d size=%d", ev.Offset, ev.Size)
	}
	if ev.Source != "trace.jsonl" {
		t.Errorf("expected source trace.jsonl, got %q", ev.Source)
	}
}

func TestStructuredKernelResponse(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindProxyTrace, "t")
	line := `{"timestamp":{"seconds":100,"nanos":0},"severity":"TRACE","message":"fuse_debug: Op 0x1a connection.go:500] -> OK (inode 5, dir)"}`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Kind != trace.KindResponse {
		t.Errorf("expected response, got %v", ev.Kind)
	}
	if ev.Call != "" {
		t.Errorf("kernel responses carry no call name, got %q", ev.Call)
	}
	if ev.Inode != 5 || !ev.Dir {
		t.Errorf("expected inode 5 dir, got inode=%d dir=%v", ev.Inode, ev.Dir)
	}
	if ev.Failed() {
		t.Error("OK response should not be failed")
	}
}

func TestStructuredKernelErrorResponse(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindProxyTrace, "t")
	line := `{"timestamp":{"seconds":100,"nanos":0},"severity":"TRACE","message":"fuse_debug: Op 0x2 fs.go:88] -> Error: input/output error"}`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if !ev.Failed() {
		t.Fatal("expected a failed response")
	}
	if ev.ErrText != "input/output error" {
		t.Errorf("expected error text passthrough, got %q", ev.ErrText)
	}
}

func TestStructuredLookup(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindProxyTrace, "t")
	line := `{"timestamp":{"seconds":100,"nanos":0},"severity":"TRACE","message":"fuse_debug: Op 0x3 lookup.go:10] <- LookUpInode (parent 1, name \"models\")"}`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Call != trace.CallLookUpInode {
		t.Errorf("expected LookUpInode, got %q", ev.Call)
	}
	if ev.Parent != 1 || ev.Name != "models" {
		t.Errorf("expected parent=1 name=models, got parent=%d name=%q", ev.Parent, ev.Name)
	}
}

func TestTextualStoreRequest(t *testing.T) {
	d := NewDecoder(EncodingTextual, KindProxyTrace, "t")
	line := `time="08/08/2023 04:46:18.772562" severity=TRACE message="store: Req 0x8: <- Read(\"models/ckpt-0007.bin\", offset 1024, 4096 bytes)"`

	ev, ok, err := d.Line(line)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Layer != trace.LayerStore {
		t.Errorf("expected store layer, got %v", ev.Layer)
	}
	if ev.Opcode != "0x8" {
		t.Errorf("expected opcode 0x8, got %q", ev.Opcode)
	}
	if ev.Call != trace.CallRead {
		t.Errorf("expected Read, got %q", ev.Call)
	}
	if ev.Name != "models/ckpt-0007.bin" {
		t.Errorf("unexpected object name %q", ev.Name)
	}
	if ev.Offset != 1024 || ev.Size != 4096 {
		t.Errorf("unexpected payload offset=%d size=%d", ev.Offset, ev.Size)
	}
	want := time.Date(2023, 8, 8, 4, 46, 18, 772562000, time.UTC)
	if !ev.Time.Std().Equal(want) {
		t.Errorf("expected %v, got %v", want, ev.Time.Std())
	}
}

func TestTextualStoreResponse(t *testing.T) {
	d := NewDecoder(EncodingTextual, KindProxyTrace, "t")
	line := `time="08/08/2023 04:46:18.826042" severity=TRACE message="store: Req 0x8: -> StatObject(\"models/ckpt-0007.bin\") (53.375748ms): OK"`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Kind != trace.KindResponse {
		t.Errorf("expected response, got %v", ev.Kind)
	}
	if ev.Call != trace.CallStatObject {
		t.Errorf("expected StatObject, got %q", ev.Call)
	}
	if ev.Elapsed != 53375748*time.Nanosecond {
		t.Errorf("expected 53.375748ms elapsed, got %v", ev.Elapsed)
	}
	if ev.Failed() {
		t.Error("OK response should not be failed")
	}
}

func TestTextualStoreErrorResponse(t *testing.T) {
	d := NewDecoder(EncodingTextual, KindProxyTrace, "t")
	line := `time="08/08/2023 04:46:19.000000" severity=TRACE message="store: Req 0x9: -> Read(\"m/x\") (2.1s): context deadline exceeded"`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if !ev.Failed() {
		t.Fatal("expected a failed response")
	}
	if ev.ErrText != "context deadline exceeded" {
		t.Errorf("unexpected error text %q", ev.ErrText)
	}
}

func TestTabularHeaderAndRow(t *testing.T) {
	d := NewDecoder(EncodingTabular, KindProxyTrace, "t.csv")

	_, ok, err := d.Line("timestamp,severity,message")
	if err != nil {
		t.Fatalf("header should not error: %v", err)
	}
	if ok {
		t.Fatal("header row must not produce an event")
	}

	ev, ok, err := d.Line(`2024-01-05T08:43:46.875341693Z,TRACE,"fuse_debug: Op 0x7 fs.go:1] <- OpenFile (inode 4, PID 9)"`)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Call != trace.CallOpenFile || ev.Inode != 4 {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Time.Sec != time.Date(2024, 1, 5, 8, 43, 46, 0, time.UTC).Unix() {
		t.Errorf("unexpected timestamp %v", ev.Time)
	}
}

func TestTabularMissingColumns(t *testing.T) {
	d := NewDecoder(EncodingTabular, KindProxyTrace, "t.csv")
	_, ok, err := d.Line("when,what")
	if err == nil {
		t.Fatal("expected an error for a header without timestamp/message")
	}
	if ok {
		t.Fatal("bad header must not produce an event")
	}
}

func TestHostLogEnvelope(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindHostLog, "t")
	line := `{"timestamp":{"seconds":50,"nanos":0},"severity":"TRACE","message":"ip-10-0-1-17 warpdrive[1693466]: fuse_debug: Op 0x5 fs.go:2] <- ReleaseFileHandle (handle 7)"}`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Host != "ip-10-0-1-17" {
		t.Errorf("expected host recorded, got %q", ev.Host)
	}
	if ev.Call != trace.CallReleaseFileHandle || !ev.HasHandle || ev.Handle != 7 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHostLogWithoutEnvelopeStillParses(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindHostLog, "t")
	line := `{"timestamp":{"seconds":50,"nanos":0},"severity":"TRACE","message":"fuse_debug: Op 0x5 fs.go:2] <- StatFS ()"}`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Host != "" {
		t.Errorf("expected empty host, got %q", ev.Host)
	}
	if ev.Call != trace.CallStatFS {
		t.Errorf("expected StatFS, got %q", ev.Call)
	}
}

func TestChatterAndBlanksSkipSilently(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindProxyTrace, "t")
	lines := []string{
		"",
		"   ",
		`{"timestamp":{"seconds":1,"nanos":0},"severity":"INFO","message":"WarpDrive mounted at /mnt/warp"}`,
		`{"timestamp":{"seconds":2,"nanos":0},"severity":"TRACE","message":""}`,
	}
	for _, line := range lines {
		_, ok, err := d.Line(line)
		if err != nil {
			t.Errorf("line %q: unexpected error %v", line, err)
		}
		if ok {
			t.Errorf("line %q: should not produce an event", line)
		}
	}
}

func TestMalformedRecordsError(t *testing.T) {
	cases := []struct {
		enc  Encoding
		line string
	}{
		{EncodingStructured, `{not json`},
		{EncodingStructured, `{"severity":"TRACE","message":"fuse_debug: Op 0x1 a] <- StatFS ()"}`},
		{EncodingTextual, `severity=TRACE message="no time field"`},
		{EncodingTextual, `time="99/99/9999 99:99:99" severity=TRACE message="x"`},
	}
	for _, tc := range cases {
		d := NewDecoder(tc.enc, KindProxyTrace, "t")
		_, ok, err := d.Line(tc.line)
		if err == nil {
			t.Errorf("%s %q: expected an error", tc.enc, tc.line)
		}
		if ok {
			t.Errorf("%s %q: must not produce an event", tc.enc, tc.line)
		}
		var pe *trace.ParseError
		if err != nil && !errors.As(err, &pe) {
			t.Errorf("%s %q: expected a ParseError, got %T", tc.enc, tc.line, err)
		}
	}
}

func TestGarbledCallRecordErrors(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindProxyTrace, "t")
	line := `{"timestamp":{"seconds":1,"nanos":0},"severity":"TRACE","message":"fuse_debug: Op zzz <- what"}`
	_, ok, err := d.Line(line)
	if err == nil {
		t.Fatal("expected an error for a garbled fuse_debug line")
	}
	if ok {
		t.Fatal("garbled line must not produce an event")
	}
}

func TestUnknownCallNameStillCounts(t *testing.T) {
	d := NewDecoder(EncodingStructured, KindProxyTrace, "t")
	line := `{"timestamp":{"seconds":1,"nanos":0},"severity":"TRACE","message":"fuse_debug: Op 0x44 fs.go:9] <- BatchForget (inode 3)"}`

	ev, ok, err := d.Line(line)
	if err != nil || !ok {
		t.Fatalf("expected event, got ok=%v err=%v", ok, err)
	}
	if ev.Call != "BatchForget" {
		t.Errorf("expected BatchForget, got %q", ev.Call)
	}
	if ev.Inode != 3 {
		t.Errorf("expected inode 3, got %d", ev.Inode)
	}
}

