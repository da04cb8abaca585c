package stacktrace

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
)

const (
	stateInit = iota
	stateProc
	stateStack
)

var (
	nativeFrameLine = regexp.MustCompile(`^\s+(?:native: )?#\S+\s+pc\s+([0-9a-fA-F]+)\s+(.+)$`)

	// Checked in this order; the first needle found wins.
	waitNeedles = []string{"held by threadid=", "held by tid=", "held by thread "}

	errSelfWait = errors.New("thread waits on itself")
)

// Scanner turns the lines of one VM traces section into a Snapshot.
type Scanner struct {
	logger hclog.Logger
}

// NewScanner returns a scanner logging malformed lines to logger.
func NewScanner(logger hclog.Logger) *Scanner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scanner{logger: logger}
}

// Scan builds a snapshot from the given lines. Lines that do not fit the expected format are
// logged and skipped; scanning never fails.
func (sc *Scanner) Scan(id int, name, sectionName string, lines []string) *Snapshot {
	snap := NewSnapshot(id, name, sectionName)
	state := stateInit
	var proc *Process
	var cur *StackTrace

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch state {
		case stateInit:
			if p := sc.processHeader(snap, line); p != nil {
				proc = p
				state = stateProc
			}

		case stateProc:
			switch {
			case strings.HasPrefix(line, "----- end "):
				proc = nil
				state = stateInit
			case strings.HasPrefix(line, "----- pid "):
				sc.logger.Debug("process without end marker", "pid", proc.Pid)
				if p := sc.processHeader(snap, line); p != nil {
					proc = p
				} else {
					proc = nil
					state = stateInit
				}
			case strings.HasPrefix(line, "Cmd line: "):
				proc.Name = line[len("Cmd line: "):]
			case strings.HasPrefix(line, "\""):
				if st := sc.threadHeader(snap, proc, line); st != nil {
					cur = st
					state = stateStack
				}
			}

		case stateStack:
			if !strings.HasPrefix(line, "  ") {
				// The line ending a stack may open the next one, so look at it again.
				cur = nil
				state = stateProc
				i--
				continue
			}
			sc.stackLine(proc, cur, line)
		}
	}

	sc.logger.Debug("scanned section", "section", sectionName, "processes", len(snap.processes), "threads", len(snap.stacks))
	return snap
}

func (sc *Scanner) processHeader(snap *Snapshot, line string) *Process {
	if !strings.HasPrefix(line, "----- pid ") {
		return nil
	}
	fields := strings.Split(line, " ")
	if len(fields) < 6 {
		sc.logger.Trace("ignoring short process header", "line", line)
		return nil
	}
	pid, err := strconv.Atoi(fields[2])
	if err != nil {
		sc.logger.Trace("ignoring process header with bad pid", "line", line)
		return nil
	}
	return snap.AddProcess(pid, fields[4], fields[5])
}

func (sc *Scanner) threadHeader(snap *Snapshot, proc *Process, line string) *StackTrace {
	end := strings.IndexByte(line[1:], '"')
	if end < 0 {
		sc.logger.Debug("cannot parse thread header", "pid", proc.Pid, "line", line)
		return nil
	}
	end++
	name := line[1:end]
	rest := ""
	if end+2 <= len(line) {
		rest = line[end+2:]
	}
	fields := strings.Fields(rest)

	state := "?"
	prio, tid := -1, -1
	sysTid := ""
	if len(fields) == 1 && strings.HasPrefix(fields[0], "sysTid=") {
		state = NativeThreadState
		sysTid = fields[0]
	}
	for i, f := range fields {
		eq := strings.IndexByte(f, '=')
		if eq < 0 {
			if i == len(fields)-1 {
				state = f
			}
			continue
		}
		key, value := f[:eq], f[eq+1:]
		switch key {
		case "prio":
			n, err := strconv.Atoi(value)
			if err != nil {
				sc.logger.Debug("bad thread priority", "pid", proc.Pid, "thread", name, "value", value)
				continue
			}
			prio = n
		case "tid":
			n, err := strconv.Atoi(value)
			if err != nil {
				sc.logger.Debug("bad thread id", "pid", proc.Pid, "thread", name, "value", value)
				continue
			}
			tid = n
		}
	}

	st := snap.AddStack(proc.ID, name, tid, prio, state)
	if sysTid != "" {
		sc.properties(proc, st, sysTid)
	}
	return st
}

func (sc *Scanner) stackLine(proc *Process, st *StackTrace, line string) {
	switch {
	case strings.HasPrefix(line, "  | "):
		sc.properties(proc, st, line[4:])

	case strings.HasPrefix(line, "  - "):
		text := line[4:]
		st.AddFrame(NewLockFrame(text))
		if strings.HasPrefix(text, "waiting ") {
			w, ok, err := parseWait(text, st.Tid)
			switch {
			case err != nil:
				sc.logger.Debug("cannot parse monitor wait", "pid", proc.Pid, "thread", st.Name, "line", text, "error", err)
			case ok:
				st.SetWait(w)
			}
		}

	case strings.HasPrefix(line, "  at "):
		f, err := parseJavaFrame(line[5:])
		if err != nil {
			sc.logger.Debug("cannot parse java frame", "pid", proc.Pid, "thread", st.Name, "line", line, "error", err)
			return
		}
		st.AddFrame(f)

	default:
		trimmed := strings.TrimLeft(line, " ")
		if !strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "native: #") {
			return
		}
		f, err := parseNativeFrame(line)
		if err != nil {
			sc.logger.Debug("cannot parse native frame", "pid", proc.Pid, "thread", st.Name, "line", line, "error", err)
			return
		}
		st.AddFrame(f)
	}
}

// properties parses "key=value key=value" pairs. Pairs that do not split cleanly are skipped.
func (sc *Scanner) properties(proc *Process, st *StackTrace, s string) {
	for _, kv := range strings.Split(s, " ") {
		if kv == "" {
			continue
		}
		pair := strings.Split(kv, "=")
		if len(pair) != 2 || pair[1] == "" {
			continue
		}
		st.SetProperty(pair[0], pair[1])

		if pair[0] != "sysTid" {
			continue
		}
		n, err := strconv.Atoi(pair[1])
		if err != nil {
			sc.logger.Debug("bad sysTid", "pid", proc.Pid, "thread", st.Name, "value", pair[1])
			continue
		}
		st.SysTid = n
		if st.Tid < 0 {
			// tid is the unique id inside a process; the linux id is the best stand-in.
			st.Tid = n
		}
	}
}

// parseWait extracts the wait target from a "waiting ..." line. ok is false when the line names
// no owner thread.
func parseWait(text string, selfTid int) (w WaitInfo, ok bool, err error) {
	idx := -1
	for _, needle := range waitNeedles {
		if i := strings.Index(text, needle); i > 0 {
			idx = i + len(needle)
			break
		}
	}
	if idx < 0 {
		return WaitInfo{}, false, nil
	}
	end := strings.IndexByte(text[idx:], ' ')
	if end < 0 {
		end = len(text)
	} else {
		end += idx
	}
	tid, err := strconv.Atoi(text[idx:end])
	if err != nil {
		return WaitInfo{}, false, fmt.Errorf("bad owner thread id: %w", err)
	}
	if tid == selfTid {
		return WaitInfo{}, false, errSelfWait
	}
	return WaitInfo{
		TargetTid: tid,
		LockID:    between(text, '<', '>'),
		LockType:  between(text, '(', ')'),
	}, true, nil
}

func between(s string, open, close byte) string {
	i := strings.IndexByte(s, open)
	if i < 0 {
		return ""
	}
	j := strings.IndexByte(s[i+1:], close)
	if j < 0 {
		return ""
	}
	return s[i+1 : i+1+j]
}

// parseJavaFrame parses the text after "  at ", e.g. "a.b.C.run(C.java:12)".
func parseJavaFrame(body string) (Frame, error) {
	idx0 := strings.IndexByte(body, '(')
	idx1 := strings.IndexByte(body, ':')
	idx2 := strings.IndexByte(body, ')')
	if idx0 < 0 || idx2 < 0 || idx2 < idx0 {
		return Frame{}, errors.New("missing location")
	}
	method := body[:idx0]
	if idx1 < 0 || idx1 < idx0 || idx2 < idx1 {
		// "(Native method)", "(Unknown Source)" and similar carry no line.
		return NewJavaFrame(method, "", -1), nil
	}
	file := body[idx0+1 : idx1]
	lineS := body[idx1+1 : idx2]
	if strings.HasPrefix(lineS, "~") {
		lineS = lineS[1:]
	} else if p := strings.LastIndexByte(lineS, ':'); p > 0 {
		lineS = lineS[p+1:]
	}
	line, err := strconv.Atoi(lineS)
	if err != nil {
		return NewRawFrame(body), nil
	}
	return NewJavaFrame(method, file, line), nil
}

// parseNativeFrame parses "  #00  pc 0001a2b4  /system/lib/libc.so (__futex_wait+4)" and the
// newer variants with a "native: " prefix, long pcs, "(offset X)" and "(BuildId: ...)" groups.
func parseNativeFrame(line string) (Frame, error) {
	m := nativeFrameLine.FindStringSubmatch(line)
	if m == nil {
		return Frame{}, errors.New("no pc")
	}
	pc, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("bad pc: %w", err)
	}

	rest := strings.TrimSpace(m[2])
	var file string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return Frame{}, errors.New("unterminated file")
		}
		file, rest = rest[1:end], rest[end+1:]
	} else if end := strings.IndexAny(rest, " ("); end >= 0 {
		file, rest = rest[:end], rest[end:]
	} else {
		file, rest = rest, ""
	}
	if file == "" {
		return Frame{}, errors.New("missing file")
	}

	f := NewNativeFrame(pc, file, "", -1)
	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		group, tail, ok := parenGroup(rest)
		if !ok {
			return Frame{}, fmt.Errorf("unexpected text %q", rest)
		}
		rest = tail
		switch {
		case group == "deleted", group == "???", strings.HasPrefix(group, "BuildId:"):
		case strings.HasPrefix(group, "offset "):
			off, err := strconv.ParseInt(strings.TrimPrefix(group, "offset "), 16, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("bad library offset: %w", err)
			}
			f.LibOffset = off
		case f.Method == "":
			plus := strings.LastIndexByte(group, '+')
			if plus <= 0 {
				f.Method = group
				continue
			}
			off, err := strconv.Atoi(group[plus+1:])
			if err != nil {
				return Frame{}, fmt.Errorf("bad method offset: %w", err)
			}
			f.Method, f.MethodOffset = group[:plus], off
		}
	}
	return f, nil
}

// parenGroup splits "(a(b)c) rest" into "a(b)c" and " rest".
func parenGroup(s string) (group, rest string, ok bool) {
	if s == "" || s[0] != '(' {
		return "", s, false
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], s[i+1:], true
			}
		}
	}
	return "", s, false
}
