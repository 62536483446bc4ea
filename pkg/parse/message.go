package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/warpdrive/warptrace/pkg/trace"
)

// Proxy message shapes. Kernel lines carry a FUSE opcode and an optional
// source location; store lines carry a request id. Direction markers:
// "<-" is a call being made, "->" is it returning.
//
//	fuse_debug: Op 0x00000102 connection.go:415] <- ReadFile (inode 2, PID 1693466, handle 0, offset 0, 4096 bytes)
//	fuse_debug: Op 0x00000102 connection.go:500] -> OK ()
//	store: Req 0x8: <- StatObject("models/ckpt-0007.bin")
//	store: Req 0x8: -> StatObject("models/ckpt-0007.bin") (53.375748ms): OK
var (
	kernelRe = regexp.MustCompile(`^fuse_debug:\s+Op\s+(0x[0-9a-fA-F]+)\s+(?:\S+\]\s+)?(<-|->)\s+(.+)$`)
	storeRe  = regexp.MustCompile(`^store:\s+Req\s+(0x[0-9a-fA-F]+):\s+(<-|->)\s+(.+)$`)
	hostRe   = regexp.MustCompile(`^(\S+)\s+warpdrive\[\d+\]:\s+(.*)$`)

	kernelCallRe  = regexp.MustCompile(`^([A-Za-z]\w*)\s*(?:\((.*)\))?\s*$`)
	kernelOKRe    = regexp.MustCompile(`^OK\s*(?:\((.*)\))?\s*$`)
	kernelErrRe   = regexp.MustCompile(`^Error:\s*(.*)$`)
	storeCallRe   = regexp.MustCompile(`^(\w+)\("((?:[^"\\]|\\.)*)"(?:,\s*(.*))?\)\s*$`)
	storeBareRe   = regexp.MustCompile(`^(\w+)\s*\((.*)\)\s*$`)
	storeReplyRe  = regexp.MustCompile(`^(\w+)\("((?:[^"\\]|\\.)*)"\)\s+\(([^)]+)\):\s*(.*)$`)
	storeRespBare = regexp.MustCompile(`^(\w+).*?\(([^()]+)\):\s*(.*)$`)

	inodeRe  = regexp.MustCompile(`(?:^|[\s(])inode\s+(\d+)`)
	parentRe = regexp.MustCompile(`(?:^|[\s(])parent\s+(\d+)`)
	pidRe    = regexp.MustCompile(`\bPID\s+(\d+)`)
	handleRe = regexp.MustCompile(`\bhandle\s+(\d+)`)
	offsetRe = regexp.MustCompile(`\boffset\s+(-?\d+)`)
	bytesRe  = regexp.MustCompile(`\b(\d+)\s+bytes\b`)
	nameRe   = regexp.MustCompile(`\bname\s+"((?:[^"\\]|\\.)*)"`)
	dirRe    = regexp.MustCompile(`\bdir\b`)
)

// stripHostEnvelope removes the host-agent prefix from a message,
// returning the host name and the inner proxy message.
func stripHostEnvelope(msg string) (host, inner string, ok bool) {
	m := hostRe.FindStringSubmatch(msg)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// parseMessage interprets a proxy message. ok=false with a nil error
// means the message is not a call record (startup chatter and the like).
// An error means the message looked like a call record but its frame
// could not be read.
func parseMessage(msg string) (trace.Event, bool, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return trace.Event{}, false, nil
	}

	if m := kernelRe.FindStringSubmatch(msg); m != nil {
		return parseKernel(m[1], m[2], m[3])
	}
	if m := storeRe.FindStringSubmatch(msg); m != nil {
		return parseStore(m[1], m[2], m[3])
	}

	// Lines that carry a layer marker but did not frame are worth a
	// fault; anything else is ordinary log chatter.
	if strings.HasPrefix(msg, "fuse_debug:") || strings.HasPrefix(msg, "store:") {
		return trace.Event{}, false, fmt.Errorf("malformed call record: %q", clip(msg, 120))
	}
	return trace.Event{}, false, nil
}

func parseKernel(opcode, marker, rest string) (trace.Event, bool, error) {
	ev := trace.Event{Layer: trace.LayerKernel, Opcode: opcode}

	if marker == "<-" {
		m := kernelCallRe.FindStringSubmatch(rest)
		if m == nil {
			return trace.Event{}, false, fmt.Errorf("kernel call without a name: %q", clip(rest, 120))
		}
		ev.Kind = trace.KindRequest
		ev.Call = m[1]
		fillKernelFields(&ev, m[2])
		return ev, true, nil
	}

	// Kernel responses carry only the opcode; the call name is resolved
	// by the correlation table.
	ev.Kind = trace.KindResponse
	switch {
	case kernelOKRe.MatchString(rest):
		fillKernelFields(&ev, kernelOKRe.FindStringSubmatch(rest)[1])
	case kernelErrRe.MatchString(rest):
		ev.ErrText = kernelErrRe.FindStringSubmatch(rest)[1]
	default:
		// Unknown response shape: keep the match, degrade the payload.
		fillKernelFields(&ev, rest)
	}
	return ev, true, nil
}

func fillKernelFields(ev *trace.Event, args string) {
	if args == "" {
		return
	}
	if m := inodeRe.FindStringSubmatch(args); m != nil {
		ev.Inode, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := parentRe.FindStringSubmatch(args); m != nil {
		ev.Parent, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := pidRe.FindStringSubmatch(args); m != nil {
		pid, _ := strconv.ParseUint(m[1], 10, 32)
		ev.PID = uint32(pid)
	}
	if m := handleRe.FindStringSubmatch(args); m != nil {
		ev.Handle, _ = strconv.ParseUint(m[1], 10, 64)
		ev.HasHandle = true
	}
	if m := offsetRe.FindStringSubmatch(args); m != nil {
		ev.Offset, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := bytesRe.FindStringSubmatch(args); m != nil {
		ev.Size, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := nameRe.FindStringSubmatch(args); m != nil {
		ev.Name = unescapeQuoted(m[1])
	}
	if dirRe.MatchString(args) {
		ev.Dir = true
	}
}

func parseStore(opcode, marker, rest string) (trace.Event, bool, error) {
	ev := trace.Event{Layer: trace.LayerStore, Opcode: opcode}

	if marker == "<-" {
		ev.Kind = trace.KindRequest
		if m := storeCallRe.FindStringSubmatch(rest); m != nil {
			ev.Call = m[1]
			ev.Name = unescapeQuoted(m[2])
			fillStoreArgs(&ev, m[3])
			return ev, true, nil
		}
		if m := storeBareRe.FindStringSubmatch(rest); m != nil {
			ev.Call = m[1]
			fillStoreArgs(&ev, m[2])
			return ev, true, nil
		}
		return trace.Event{}, false, fmt.Errorf("store call without a name: %q", clip(rest, 120))
	}

	ev.Kind = trace.KindResponse
	if m := storeReplyRe.FindStringSubmatch(rest); m != nil {
		ev.Call = m[1]
		ev.Name = unescapeQuoted(m[2])
		if d, err := time.ParseDuration(m[3]); err == nil {
			ev.Elapsed = d
		}
		if m[4] != "OK" {
			ev.ErrText = m[4]
		}
		return ev, true, nil
	}
	if m := storeRespBare.FindStringSubmatch(rest); m != nil {
		ev.Call = m[1]
		if d, err := time.ParseDuration(m[2]); err == nil {
			ev.Elapsed = d
		}
		if m[3] != "OK" {
			ev.ErrText = m[3]
		}
		return ev, true, nil
	}
	return trace.Event{}, false, fmt.Errorf("malformed store response: %q", clip(rest, 120))
}

func fillStoreArgs(ev *trace.Event, args string) {
	if args == "" {
		return
	}
	if m := offsetRe.FindStringSubmatch(args); m != nil {
		ev.Offset, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := bytesRe.FindStringSubmatch(args); m != nil {
		ev.Size, _ = strconv.ParseInt(m[1], 10, 64)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
