package analyzer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// waitChain builds one process whose threads t1..tn wait on the tids in waits (0 means no wait).
func waitChain(waits ...int) *stacktrace.Snapshot {
	snap := stacktrace.NewSnapshot(1, "VM traces just now", "VM TRACES JUST NOW")
	proc := snap.AddProcess(100, "2024-03-01", "12:00:00")
	proc.Name = "com.example"
	for i, target := range waits {
		tid := i + 1
		st := snap.AddStack(proc.ID, string(rune('A'+i)), tid, 5, "Blocked")
		st.AddFrame(stacktrace.NewJavaFrame("com.example.Worker.run", "Worker.java", 10+i))
		if target > 0 {
			st.SetWait(stacktrace.WaitInfo{TargetTid: target, LockID: "0x1", LockType: "a java.lang.Object"})
		}
	}
	return snap
}

func deadlocks(findings []analyzer.Finding) []analyzer.Finding {
	var ret []analyzer.Finding
	for _, f := range findings {
		if f.Category == analyzer.CategoryDeadlock {
			ret = append(ret, f)
		}
	}
	return ret
}

func roles(f analyzer.Finding) map[string][]string {
	ret := make(map[string][]string)
	for _, e := range f.Entries {
		ret[e.Role] = append(ret[e.Role], e.Thread)
	}
	return ret
}

func TestDeadlockTwoCycle(t *testing.T) {
	// A waits on B, B waits on A.
	snap := waitChain(2, 1)
	found := deadlocks(analyzer.New(nil).Analyze(snap, nil))

	require.Len(t, found, 1)
	f := found[0]
	assert.Equal(t, analyzer.PriorityDeadlock, f.Priority)
	assert.Equal(t, "Deadlock in process(es) com.example", f.Title)
	assert.ElementsMatch(t, []string{"A", "B"}, roles(f)[analyzer.RoleCycle])
	assert.Empty(t, roles(f)[analyzer.RoleBlocked])
	require.NotNil(t, f.Timestamp)
	assert.Equal(t, 2024, f.Timestamp.Year())

	for _, e := range f.Entries {
		assert.NotEmpty(t, e.WaitingOn)
		assert.Equal(t, "a java.lang.Object", e.LockType)
	}
	assert.Len(t, f.Edges, 2)
	assert.Contains(t, f.Detail, "waiting: B for a java.lang.Object")
}

func TestDeadlockTailMerge(t *testing.T) {
	// A waits on B, B waits on C, C waits on B.
	snap := waitChain(2, 3, 2)
	found := deadlocks(analyzer.New(nil).Analyze(snap, nil))

	require.Len(t, found, 1)
	r := roles(found[0])
	assert.ElementsMatch(t, []string{"B", "C"}, r[analyzer.RoleCycle])
	assert.Equal(t, []string{"A"}, r[analyzer.RoleBlocked])
	assert.Contains(t, found[0].Detail, "Additionally the following threads are blocked due to this deadlock:")
	assert.Len(t, found[0].Stacks, 3)
}

func TestDeadlockLaterWalkJoinsKnownCycle(t *testing.T) {
	// B and C form the cycle; D, scanned after them, waits on A which waits on B.
	snap := waitChain(2, 3, 2, 1)
	found := deadlocks(analyzer.New(nil).Analyze(snap, nil))

	require.Len(t, found, 1)
	r := roles(found[0])
	assert.ElementsMatch(t, []string{"B", "C"}, r[analyzer.RoleCycle])
	assert.ElementsMatch(t, []string{"A", "D"}, r[analyzer.RoleBlocked])
}

func TestDeadlockDeadEnd(t *testing.T) {
	// A waits on B, B waits on C, C waits on nothing.
	snap := waitChain(2, 3, 0)
	assert.Empty(t, deadlocks(analyzer.New(nil).Analyze(snap, nil)))

	// A wait on a thread that was not captured is a dead end too.
	snap = waitChain(7)
	assert.Empty(t, deadlocks(analyzer.New(nil).Analyze(snap, nil)))
}

func TestDeadlockTwoSeparateCycles(t *testing.T) {
	snap := waitChain(2, 1, 4, 3)
	found := deadlocks(analyzer.New(nil).Analyze(snap, nil))
	require.Len(t, found, 2)
	assert.ElementsMatch(t, []string{"A", "B"}, roles(found[0])[analyzer.RoleCycle])
	assert.ElementsMatch(t, []string{"C", "D"}, roles(found[1])[analyzer.RoleCycle])
}

func TestDeadlockAcrossProcesses(t *testing.T) {
	snap := stacktrace.NewSnapshot(1, "VM traces just now", "VM TRACES JUST NOW")
	app := snap.AddProcess(200, "", "")
	app.Name = "com.app"
	server := snap.AddProcess(300, "", "")
	server.Name = "system_server"

	// app main calls into a binder thread of system_server, which waits on a monitor held by a
	// system_server thread that calls back into the app main thread.
	main := snap.AddStack(app.ID, "main", 1, 5, "Native")
	binder := snap.AddStack(server.ID, "Binder_1", 10, 5, "Blocked")
	holder := snap.AddStack(server.ID, "ActivityManager", 11, 5, "Native")

	binder.SetWait(stacktrace.WaitInfo{TargetTid: 11, LockID: "0x2", LockType: "a com.android.server.am.ActivityManagerService"})
	require.True(t, main.SetAIDLDependency(binder.ID))
	require.True(t, holder.SetAIDLDependency(main.ID))

	found := deadlocks(analyzer.New(nil).Analyze(snap, nil))
	require.Len(t, found, 1)
	f := found[0]
	assert.Equal(t, "Deadlock in process(es) com.app, system_server", f.Title)
	assert.ElementsMatch(t, []string{"main", "Binder_1", "ActivityManager"}, roles(f)[analyzer.RoleCycle])

	var calling, waiting int
	for _, e := range f.Entries {
		if e.Calling != "" {
			calling++
		}
		if e.WaitingOn != "" {
			waiting++
		}
	}
	assert.Equal(t, 2, calling)
	assert.Equal(t, 1, waiting)
	assert.Contains(t, f.Detail, "calling: system_server/Binder_1")
	assert.Len(t, f.Edges, 3)
}

func TestDeadlockUsesNameRegistry(t *testing.T) {
	snap := waitChain(2, 1)
	snap.Processes()[0].Name = ""

	found := deadlocks(analyzer.New(nil, analyzer.WithNames(staticNames{100: "com.hinted"})).Analyze(snap, nil))
	require.Len(t, found, 1)
	assert.Equal(t, "Deadlock in process(es) com.hinted", found[0].Title)

	found = deadlocks(analyzer.New(nil).Analyze(snap, nil))
	require.Len(t, found, 1)
	assert.Equal(t, "Deadlock in process(es) pid 100", found[0].Title)
}

type staticNames map[int]string

func (s staticNames) Lookup(pid int) (string, bool) {
	name, ok := s[pid]
	return name, ok
}
