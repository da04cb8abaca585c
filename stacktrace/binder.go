package stacktrace

import (
	"regexp"
	"strconv"

	"github.com/hashicorp/go-hclog"
)

// The binder state is the dump of /sys/kernel/debug/binder/state. Lines of interest look like
//
//	outgoing transaction 18397911: d1d52bc0 from 16421:16699 to 16435:14261 code 3 flags 10 ...
//
// where both pid:tid pairs are linux ids.
var outgoingTransaction = regexp.MustCompile(`outgoing transaction [0-9]+: [0-9a-f]+ from ([0-9]+):([0-9]+) to ([0-9]+):([0-9]+)`)

// Linker adds AIDL dependencies to a snapshot from the kernel binder state.
type Linker struct {
	logger hclog.Logger
}

// NewLinker returns a linker logging unresolved references to logger.
func NewLinker(logger hclog.Logger) *Linker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Linker{logger: logger}
}

// Link marks every outgoing transaction whose both ends were captured in snap and returns the
// number of edges added. Transactions referring to threads missing from the dump are skipped.
func (l *Linker) Link(snap *Snapshot, lines []string) int {
	linked := 0
	for _, line := range lines {
		m := outgoingTransaction.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ids := make([]int, 4)
		bad := false
		for i := range ids {
			n, err := strconv.Atoi(m[i+1])
			if err != nil {
				l.logger.Debug("bad id in binder transaction", "line", line, "error", err)
				bad = true
				break
			}
			ids[i] = n
		}
		if bad {
			continue
		}
		srcPid, srcTid, dstPid, dstTid := ids[0], ids[1], ids[2], ids[3]

		src := l.resolve(snap, srcPid, srcTid)
		if src == nil {
			continue
		}
		dst := l.resolve(snap, dstPid, dstTid)
		if dst == nil {
			continue
		}
		if src.SetAIDLDependency(dst.ID) {
			linked++
		}
	}
	l.logger.Debug("linked binder transactions", "snapshot", snap.Name, "edges", linked)
	return linked
}

func (l *Linker) resolve(snap *Snapshot, pid, tid int) *StackTrace {
	proc := snap.FindPid(pid)
	if proc == nil {
		l.logger.Debug("cannot find process", "pid", pid)
		return nil
	}
	st := proc.FindSysTid(tid)
	if st == nil {
		l.logger.Debug("cannot find thread", "pid", pid, "tid", tid)
		return nil
	}
	return st
}
