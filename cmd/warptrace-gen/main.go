// Package main provides a synthetic trace generator for exercising the
// warptrace analyzer without a live WarpDrive mount. It simulates a set
// of objects being looked up, opened, read sequentially or at random,
// and released, and writes the resulting proxy trace in any of the
// supported encodings.
//
// Usage:
//
//	warptrace-gen --out trace.log --objects 8 --reads 64
//	warptrace-gen --out trace.log.gz --encoding textual --kind host-log --faults 5
package main

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warpdrive/warptrace/pkg/trace"
)

const (
	chunkSize  = 1 << 20 // kernel read size
	objectSize = 1 << 30 // virtual object extent for random offsets
)

func main() {
	out := flag.String("out", "", "Output file (default stdout; a .gz suffix compresses)")
	encoding := flag.String("encoding", "structured", "Record encoding: structured, textual, tabular")
	kind := flag.String("kind", "proxy-trace", "Log kind: proxy-trace, host-log")
	objects := flag.Int("objects", 8, "Objects to simulate")
	reads := flag.Int("reads", 64, "Reads per object")
	randomPct := flag.Int("random-pct", 25, "Percent of objects read at random offsets")
	errorPct := flag.Int("error-pct", 2, "Percent of calls that fail")
	faults := flag.Int("faults", 0, "Malformed lines to inject")
	seed := flag.Int64("seed", 1, "RNG seed")
	startStr := flag.String("start", "", "Trace start time, RFC3339 (default one hour ago)")
	flag.Parse()

	switch *encoding {
	case "structured", "textual", "tabular":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid --encoding %q (want structured, textual or tabular)\n", *encoding)
		os.Exit(1)
	}
	switch *kind {
	case "proxy-trace", "host-log":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid --kind %q (want proxy-trace or host-log)\n", *kind)
		os.Exit(1)
	}
	if *objects <= 0 || *reads < 0 {
		fmt.Fprintln(os.Stderr, "Error: --objects must be positive and --reads non-negative")
		os.Exit(1)
	}

	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	if *startStr != "" {
		t, err := time.Parse(time.RFC3339, *startStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --start %q: %v\n", *startStr, err)
			os.Exit(1)
		}
		start = t.UTC()
	}

	g := &generator{
		rng:   rand.New(rand.NewSource(*seed)),
		clock: start,
		pid:   100000 + int(*seed%100000),
	}
	switch *encoding {
	case "textual":
		g.encode = encodeTextual
	case "tabular":
		g.encode = encodeTabular
	default:
		g.encode = encodeStructured
	}
	if *kind == "host-log" {
		g.host = fmt.Sprintf("ml-node-%02d", 1+g.rng.Intn(8))
	}

	// Build one script per object, then interleave them so concurrent
	// sessions overlap the way they do in a real trace.
	scripts := make([][]scriptLine, *objects)
	sequential, random := 0, 0
	for i := range scripts {
		rnd := g.rng.Intn(100) < *randomPct
		if rnd {
			random++
		} else {
			sequential++
		}
		name := fmt.Sprintf("shard-%04d.bin", i)
		scripts[i] = g.objectScript(name, uint64(100+i), uint64(500+i), rnd, *reads, *errorPct)
	}
	total := 0
	for _, s := range scripts {
		total += len(s)
	}

	dest := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", *out, err)
			os.Exit(1)
		}
		dest = f
	}
	cw := &countWriter{w: dest}
	var gz *gzip.Writer
	var w *bufio.Writer
	if strings.HasSuffix(*out, ".gz") {
		gz = gzip.NewWriter(cw)
		w = bufio.NewWriter(gz)
	} else {
		w = bufio.NewWriter(cw)
	}

	fmt.Fprintf(os.Stderr, "Warptrace Trace Generator\n")
	fmt.Fprintf(os.Stderr, "-----------------------------------\n")
	fmt.Fprintf(os.Stderr, "Output:     %s\n", displayPath(*out))
	fmt.Fprintf(os.Stderr, "Encoding:   %s\n", *encoding)
	fmt.Fprintf(os.Stderr, "Kind:       %s\n", *kind)
	fmt.Fprintf(os.Stderr, "Objects:    %d (%d sequential, %d random)\n", *objects, sequential, random)
	fmt.Fprintf(os.Stderr, "Reads:      %d per object\n", *reads)
	fmt.Fprintf(os.Stderr, "Start:      %s\n", start.Format(time.RFC3339))
	fmt.Fprintf(os.Stderr, "Seed:       %d\n", *seed)
	fmt.Fprintf(os.Stderr, "-----------------------------------\n\n")

	genStart := time.Now()

	if *encoding == "tabular" {
		w.WriteString("timestamp,severity,message\n")
	}

	faultEvery := 0
	if *faults > 0 {
		faultEvery = total / *faults
		if faultEvery == 0 {
			faultEvery = 1
		}
	}

	cursors := make([]int, len(scripts))
	live := make([]int, 0, len(scripts))
	for i := range scripts {
		if len(scripts[i]) > 0 {
			live = append(live, i)
		}
	}

	lines, chatter, injected := 0, 0, 0
	for len(live) > 0 {
		pick := g.rng.Intn(len(live))
		i := live[pick]
		line := scripts[i][cursors[i]]
		cursors[i]++
		if cursors[i] == len(scripts[i]) {
			live = append(live[:pick], live[pick+1:]...)
		}

		g.emit(w, line.sev, line.msg)
		lines++

		if faultEvery > 0 && injected < *faults && lines%faultEvery == 0 {
			w.WriteString(faultLine(*encoding) + "\n")
			injected++
			lines++
		}
		if lines%40 == 0 {
			g.emit(w, "info", chatterMsgs[chatter%len(chatterMsgs)])
			chatter++
			lines++
		}
	}

	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			os.Exit(1)
		}
	}
	if dest != os.Stdout {
		if err := dest.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing %s: %v\n", *out, err)
			os.Exit(1)
		}
	}

	fmt.Fprintf(os.Stderr, "Results\n")
	fmt.Fprintf(os.Stderr, "-----------------------------------\n")
	fmt.Fprintf(os.Stderr, "Lines:      %d\n", lines)
	fmt.Fprintf(os.Stderr, "Calls:      %d\n", g.calls)
	fmt.Fprintf(os.Stderr, "Errors:     %d\n", g.errs)
	fmt.Fprintf(os.Stderr, "Faults:     %d injected\n", injected)
	fmt.Fprintf(os.Stderr, "Chatter:    %d\n", chatter)
	fmt.Fprintf(os.Stderr, "Size:       %s\n", humanBytes(cw.n))
	fmt.Fprintf(os.Stderr, "Duration:   %s\n", time.Since(genStart).Truncate(time.Millisecond))
	fmt.Fprintf(os.Stderr, "-----------------------------------\n")
}

type scriptLine struct {
	msg string
	sev string
}

type generator struct {
	rng    *rand.Rand
	clock  time.Time
	encode func(ts time.Time, sev, msg string) string
	host   string // host-log envelope; empty for proxy-trace
	pid    int

	kernOp  uint64
	storeOp uint64
	calls   int
	errs    int
}

// objectScript produces the full call sequence for one object: lookup,
// attributes, open, a read loop, release. Every fourth read misses the
// cache and goes to the store.
func (g *generator) objectScript(name string, inode, handle uint64, random bool, reads, errorPct int) []scriptLine {
	var s []scriptLine
	fail := func() bool { return g.rng.Intn(100) < errorPct }
	storeName := "datasets/" + name

	g.kernPair(&s, trace.CallLookUpInode, fmt.Sprintf("parent 1, name %q", name), fmt.Sprintf("inode %d", inode), false)
	g.kernPair(&s, trace.CallGetInodeAttributes, fmt.Sprintf("inode %d", inode), "", fail())
	g.storePair(&s, trace.CallStatObject, storeName, "", false)
	g.kernPair(&s, trace.CallOpenFile, fmt.Sprintf("inode %d, PID %d", inode, g.pid), fmt.Sprintf("handle %d", handle), false)

	var offset int64
	for r := 0; r < reads; r++ {
		off := offset
		if random {
			off = int64(g.rng.Intn(objectSize/chunkSize)) * chunkSize
		} else {
			offset += chunkSize
		}
		args := fmt.Sprintf("inode %d, PID %d, handle %d, offset %d, %d bytes", inode, g.pid, handle, off, chunkSize)
		g.kernPair(&s, trace.CallReadFile, args, fmt.Sprintf("%d bytes", chunkSize), fail())
		if r%4 == 0 {
			g.storePair(&s, trace.CallRead, storeName, fmt.Sprintf("offset %d, %d bytes", off, chunkSize), fail())
		}
	}

	g.kernPair(&s, trace.CallReleaseFileHandle, fmt.Sprintf("inode %d, PID %d, handle %d", inode, g.pid, handle), "", false)
	return s
}

func (g *generator) kernPair(s *[]scriptLine, call, args, okArgs string, fail bool) {
	g.kernOp++
	g.calls++
	op := fmt.Sprintf("0x%08x", g.kernOp)
	*s = append(*s, scriptLine{fmt.Sprintf("fuse_debug: Op %s connection.go:415] <- %s (%s)", op, call, args), "debug"})
	if fail {
		g.errs++
		*s = append(*s, scriptLine{fmt.Sprintf("fuse_debug: Op %s connection.go:500] -> Error: input/output error", op), "debug"})
		return
	}
	*s = append(*s, scriptLine{fmt.Sprintf("fuse_debug: Op %s connection.go:500] -> OK (%s)", op, okArgs), "debug"})
}

func (g *generator) storePair(s *[]scriptLine, call, name, args string, fail bool) {
	g.storeOp++
	g.calls++
	op := fmt.Sprintf("0x%x", g.storeOp)
	req := fmt.Sprintf("store: Req %s: <- %s(%q", op, call, name)
	if args != "" {
		req += ", " + args
	}
	req += ")"
	*s = append(*s, scriptLine{req, "debug"})

	lat := time.Duration(500+g.rng.Intn(40000)) * time.Microsecond
	status := "OK"
	if fail {
		g.errs++
		status = "input/output error"
	}
	*s = append(*s, scriptLine{fmt.Sprintf("store: Req %s: -> %s(%q) (%s): %s", op, call, name, lat, status), "debug"})
}

// emit advances the clock and writes one encoded record. Write errors
// stick in the bufio writer and surface at the final Flush.
func (g *generator) emit(w *bufio.Writer, sev, msg string) {
	g.clock = g.clock.Add(time.Duration(200+g.rng.Intn(2800)) * time.Microsecond)
	if g.host != "" {
		msg = fmt.Sprintf("%s warpdrive[%d]: %s", g.host, g.pid, msg)
	}
	w.WriteString(g.encode(g.clock, sev, msg) + "\n")
}

type structuredLine struct {
	Timestamp trace.Time `json:"timestamp"`
	Severity  string     `json:"severity"`
	Message   string     `json:"message"`
}

func encodeStructured(ts time.Time, sev, msg string) string {
	data, _ := json.Marshal(structuredLine{Timestamp: trace.FromStd(ts), Severity: sev, Message: msg})
	return string(data)
}

func encodeTextual(ts time.Time, sev, msg string) string {
	return fmt.Sprintf("time=%q severity=%s message=%s",
		ts.UTC().Format("02/01/2006 15:04:05.000000"), sev, strconv.Quote(msg))
}

func encodeTabular(ts time.Time, sev, msg string) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	w.Write([]string{ts.UTC().Format("2006-01-02T15:04:05.000000"), sev, msg})
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// faultLine returns a line guaranteed to break the given encoding.
func faultLine(encoding string) string {
	switch encoding {
	case "textual":
		return `severity=debug message="dropped frame"`
	case "tabular":
		return `"unterminated,debug,dropped frame`
	default:
		return `{"timestamp": {"seconds": `
	}
}

var chatterMsgs = []string{
	"namespace: resolved mount table (2 backends)",
	"cache: block store compaction finished",
	"readahead: window raised to 8 MiB",
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func displayPath(out string) string {
	if out == "" {
		return "(stdout)"
	}
	return out
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.2f %s", float64(b)/float64(div), suffix[exp])
}
