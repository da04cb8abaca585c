package bugreport

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

var psHeader = regexp.MustCompile(`^LABEL\s+USER\s+PID\s+TID\s+PPID\s+VSZ\s+RSS\s+WCHAN\s+ADDR\s+S\s+PRI\s+NI\s+RTPRIO\s+SCH\s+PCY.*`)

const (
	psHeaderTries = 10
	psIdxPid      = 2
	psIdxTid      = 3
	psIdxPPid     = 4
	psIdxCmd      = 15
)

// PSTable is the thread table of a "ps -A -T" style listing, keyed by thread id. A thread's PPid
// is its owning process; a process' PPid is its parent process.
type PSTable struct {
	records map[int]stacktrace.ThreadRecord
	order   []int
}

// Record returns the entry for a linux thread id.
func (t *PSTable) Record(tid int) (stacktrace.ThreadRecord, bool) {
	if t == nil {
		return stacktrace.ThreadRecord{}, false
	}
	rec, ok := t.records[tid]
	return rec, ok
}

// Children returns the threads of process pid other than its main thread, in listing order.
func (t *PSTable) Children(pid int) []stacktrace.ThreadRecord {
	if t == nil {
		return nil
	}
	var ret []stacktrace.ThreadRecord
	for _, tid := range t.order {
		if rec := t.records[tid]; rec.PPid == pid && rec.Pid != pid {
			ret = append(ret, rec)
		}
	}
	return ret
}

// Records returns every entry in listing order.
func (t *PSTable) Records() []stacktrace.ThreadRecord {
	if t == nil {
		return nil
	}
	ret := make([]stacktrace.ThreadRecord, 0, len(t.order))
	for _, tid := range t.order {
		ret = append(ret, t.records[tid])
	}
	return ret
}

// Len is the number of entries.
func (t *PSTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// ParsePS reads the PROCESSES AND THREADS section. It returns nil when no header is found within
// the first lines. Malformed rows are logged and skipped.
func ParsePS(lines []string, logger hclog.Logger) *PSTable {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	start := -1
	for i := 0; i < psHeaderTries && i < len(lines); i++ {
		if psHeader.MatchString(lines[i]) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		logger.Warn("could not find header in ps output")
		return nil
	}

	t := &PSTable{records: make(map[int]stacktrace.ThreadRecord)}
	for _, line := range lines[start:] {
		if strings.HasPrefix(line, "[") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) < psIdxCmd {
			logger.Debug("short ps line", "line", line)
			continue
		}
		pid, err1 := strconv.Atoi(fields[psIdxPid])
		tid, err2 := strconv.Atoi(fields[psIdxTid])
		ppid, err3 := strconv.Atoi(fields[psIdxPPid])
		if err1 != nil || err2 != nil || err3 != nil {
			logger.Debug("cannot parse ps ids", "line", line)
			continue
		}

		name := "unknown"
		if len(fields) > psIdxCmd {
			name = strings.Join(fields[psIdxCmd:], " ")
		}
		rec := stacktrace.ThreadRecord{Pid: tid, PPid: ppid, Name: name}
		if tid != pid {
			rec.PPid = pid
		}
		if _, dup := t.records[tid]; !dup {
			t.order = append(t.order, tid)
		}
		t.records[tid] = rec
	}
	return t
}
