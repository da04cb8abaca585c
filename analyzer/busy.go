package analyzer

import (
	"fmt"
	"strings"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// busyRule returns the index of the frame that makes the stack busy, or -1.
type busyRule struct {
	name  string
	match func(st *stacktrace.StackTrace) int
}

var busyRules = []busyRule{
	{
		name: "looper",
		match: func(st *stacktrace.StackTrace) int {
			idx := st.FindMethod("android.os.Looper.loop")
			if idx < 0 {
				return -1
			}
			if st.FindMethod("android.os.MessageQueue.nativePollOnce") >= 0 || st.FindMethod("android.os.MessageQueue.next") >= 0 {
				return -1
			}
			return idx
		},
	},
	{
		name: "java binder",
		match: func(st *stacktrace.StackTrace) int {
			return st.FindMethod("android.os.Binder.execTransact")
		},
	},
	{
		name: "native binder",
		match: func(st *stacktrace.StackTrace) int {
			return st.FindMethod("android::IPCThreadState::executeCommand(int)")
		},
	},
	{
		name: "native start",
		match: func(st *stacktrace.StackTrace) int {
			idx := st.FindMethod("dalvik.system.NativeStart.run")
			if idx < 0 || !st.HasManagedFrameBefore(idx) {
				return -1
			}
			return idx
		},
	},
}

// BusyList is the set of busy stacks of one snapshot, in the order they were found.
type BusyList struct {
	ids  []stacktrace.StackID
	seen map[stacktrace.StackID]struct{}
}

// NewBusyList returns an empty list.
func NewBusyList() *BusyList {
	return &BusyList{seen: make(map[stacktrace.StackID]struct{})}
}

// Add records id and reports whether it was new.
func (b *BusyList) Add(id stacktrace.StackID) bool {
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = struct{}{}
	b.ids = append(b.ids, id)
	return true
}

// Contains reports whether id is busy.
func (b *BusyList) Contains(id stacktrace.StackID) bool {
	_, ok := b.seen[id]
	return ok
}

// IDs returns the busy stacks.
func (b *BusyList) IDs() []stacktrace.StackID {
	return b.ids
}

// Len is the number of busy stacks.
func (b *BusyList) Len() int {
	return len(b.ids)
}

// checkBusy styles the busy part of every stack and returns one finding per busy stack.
func (a *Analyzer) checkBusy(snap *stacktrace.Snapshot, busy *BusyList) []Finding {
	var findings []Finding
	for _, st := range snap.Stacks() {
		var matched []string
		for _, rule := range busyRules {
			idx := rule.match(st)
			if idx < 0 {
				continue
			}
			st.SetStyle(0, idx, stacktrace.StyleBusy)
			matched = append(matched, rule.name)
		}
		if len(matched) == 0 {
			continue
		}
		if busy != nil {
			busy.Add(st.ID)
		}

		proc := snap.ProcessOf(st)
		f := a.newFinding(snap, CategoryBusy, PriorityBusy,
			fmt.Sprintf("Busy thread %s in %s", st.Name, a.processName(proc)))
		f.Timestamp = processTime(proc)
		f.Detail = fmt.Sprintf("The thread %q (tid %d, state %s) is executing code (matched: %s).",
			st.Name, st.Tid, st.State, strings.Join(matched, ", "))
		f.Stacks = []stacktrace.StackID{st.ID}
		f.Entries = []Entry{a.entry(snap, st, RoleBusy)}
		findings = append(findings, f)
	}
	return findings
}
