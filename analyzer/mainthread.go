package analyzer

import (
	"fmt"
	"strings"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

var forbiddenOnMainThread = []string{
	"android.content.ContentResolver.",
	"org.apache.harmony.luni.internal.net.www.protocol.http.HttpURLConnectionImpl.",
	"org.apache.harmony.luni.internal.net.www.protocol.https.HttpURLConnectionImpl.",
	"org.apache.harmony.luni.internal.net.www.protocol.http.HttpsURLConnectionImpl.",
	"org.apache.harmony.luni.internal.net.www.protocol.https.HttpsURLConnectionImpl.",
	"org.apache.http.impl.client.AbstractHttpClient.execute",
	"android.database.sqlite.SQLiteDatabase.",
}

// ForbiddenOnMainThread returns the built-in list of method prefixes that block.
func ForbiddenOnMainThread() []string {
	return append([]string(nil), forbiddenOnMainThread...)
}

func (a *Analyzer) isForbidden(method string) bool {
	if method == "" {
		return false
	}
	for _, prefix := range a.forbidden {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// checkMainThread looks for blocking calls on the main thread of proc, and on the thread the
// main thread waits for.
func (a *Analyzer) checkMainThread(snap *stacktrace.Snapshot, proc *stacktrace.Process) []Finding {
	var findings []Finding
	for _, st := range proc.Stacks() {
		if st.Name != a.mainThread {
			continue
		}
		if f, ok := a.violation(snap, proc, st, nil); ok {
			findings = append(findings, f)
		}
		if st.Wait == nil {
			continue
		}
		other := proc.FindTid(st.Wait.TargetTid)
		if other == nil {
			continue
		}
		if f, ok := a.violation(snap, proc, other, st); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

// violation scans st from the thread entry inward and reports the first forbidden call. waiter
// is the main thread when st is only checked because the main thread waits on it.
func (a *Analyzer) violation(snap *stacktrace.Snapshot, proc *stacktrace.Process, st, waiter *stacktrace.StackTrace) (Finding, bool) {
	for j := len(st.Frames) - 1; j >= 0; j-- {
		item := st.Frames[j]
		if !a.isForbidden(item.Method) {
			continue
		}

		title := "Main thread violation: " + item.Method
		if waiter != nil {
			title = "(Indirect) " + title
		}
		var b strings.Builder
		fmt.Fprintf(&b, "The process %s is violating the main thread by calling the method %s", a.processName(proc), item.Method)
		if j+1 < len(st.Frames) {
			caller := st.Frames[j+1]
			fmt.Fprintf(&b, " from method %s", caller.String())
		}
		fmt.Fprintf(&b, "! (full stack trace in %q)", snap.Name)
		if waiter != nil {
			fmt.Fprintf(&b, "\nNOTE: This is an indirect violation: the thread %q is waiting on thread %q which executes a blocking method!", waiter.Name, st.Name)
		}

		st.SetStyle(j, j+2, stacktrace.StyleViolation)

		f := a.newFinding(snap, CategoryMainViolation, PriorityMainViolation, title)
		f.Timestamp = processTime(proc)
		f.Detail = b.String()
		f.Stacks = []stacktrace.StackID{st.ID}
		f.Entries = []Entry{a.entry(snap, st, RoleViolation)}
		if waiter != nil {
			f.Stacks = append(f.Stacks, waiter.ID)
			f.Entries = append(f.Entries, a.entry(snap, waiter, RoleWaiter))
		}
		return f, true
	}
	return Finding{}, false
}
