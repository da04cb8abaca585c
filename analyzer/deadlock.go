package analyzer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// disjointSet groups stacks that share a deadlock. Only stacks that took part in a completed
// walk are members. The representative of each set holds the stacks that form the cycle itself;
// the remaining members are only blocked on it.
type disjointSet struct {
	parent []stacktrace.StackID
	cycle  map[stacktrace.StackID][]stacktrace.StackID
	order  []stacktrace.StackID
}

func newDisjointSet(n int) *disjointSet {
	parent := make([]stacktrace.StackID, n)
	for i := range parent {
		parent[i] = stacktrace.NoStack
	}
	return &disjointSet{
		parent: parent,
		cycle:  make(map[stacktrace.StackID][]stacktrace.StackID),
	}
}

func (d *disjointSet) has(id stacktrace.StackID) bool {
	return d.parent[id] != stacktrace.NoStack
}

func (d *disjointSet) find(id stacktrace.StackID) stacktrace.StackID {
	root := id
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for id != root {
		next := d.parent[id]
		d.parent[id] = root
		id = next
	}
	return root
}

// newSet registers a cycle; its first member becomes the representative.
func (d *disjointSet) newSet(cycle []stacktrace.StackID) stacktrace.StackID {
	root := cycle[0]
	d.add(root, root)
	d.cycle[root] = cycle
	return root
}

// add attaches id to the set of root. Members already present are left alone.
func (d *disjointSet) add(id, root stacktrace.StackID) {
	if d.has(id) {
		return
	}
	d.parent[id] = root
	d.order = append(d.order, id)
}

// collectDeadlocks walks the dependency chain of every stack and returns the resulting sets.
func collectDeadlocks(snap *stacktrace.Snapshot) *disjointSet {
	ds := newDisjointSet(snap.StackCount())
	for _, proc := range snap.Processes() {
		for _, st := range proc.Stacks() {
			if ds.has(st.ID) {
				continue
			}
			walk(snap, ds, st.ID)
		}
	}
	return ds
}

func walk(snap *stacktrace.Snapshot, ds *disjointSet, start stacktrace.StackID) {
	deps := []stacktrace.StackID{start}
	cur := start
	for {
		next, ok := snap.Dependency(cur)
		if !ok {
			// Dead end, no deadlock on this path.
			return
		}
		if ds.has(next) {
			// Everything walked so far is blocked on a known deadlock.
			root := ds.find(next)
			for _, id := range deps {
				ds.add(id, root)
			}
			return
		}
		if idx := slices.Index(deps, next); idx >= 0 {
			cycle := slices.Clone(deps[idx:])
			root := ds.newSet(cycle)
			for _, id := range deps {
				ds.add(id, root)
			}
			return
		}
		deps = append(deps, next)
		cur = next
	}
}

// checkDeadlocks emits one finding per deadlock, listing the cycle and the threads blocked on it.
func (a *Analyzer) checkDeadlocks(snap *stacktrace.Snapshot) []Finding {
	ds := collectDeadlocks(snap)

	var findings []Finding
	emitted := make(map[stacktrace.StackID]bool)
	for _, key := range ds.order {
		if emitted[key] {
			continue
		}
		root := ds.find(key)
		cycle := ds.cycle[root]

		var blocked []stacktrace.StackID
		var procs []stacktrace.ProcessID
		for _, id := range ds.order {
			if emitted[id] || ds.find(id) != root {
				continue
			}
			emitted[id] = true
			if !slices.Contains(cycle, id) {
				blocked = append(blocked, id)
			}
			if p := snap.Stack(id).Process; !slices.Contains(procs, p) {
				procs = append(procs, p)
			}
		}

		findings = append(findings, a.deadlockFinding(snap, cycle, blocked, procs))
	}

	if len(findings) > 0 {
		a.logger.Info("deadlocks found", "snapshot", snap.Name, "count", len(findings))
	}
	return findings
}

func (a *Analyzer) deadlockFinding(snap *stacktrace.Snapshot, cycle, blocked []stacktrace.StackID, procs []stacktrace.ProcessID) Finding {
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, a.processName(snap.Process(p)))
	}
	procNames := strings.Join(names, ", ")

	f := a.newFinding(snap, CategoryDeadlock, PriorityDeadlock, "Deadlock in process(es) "+procNames)
	f.Timestamp = processTime(snap.Process(procs[0]))
	f.Stacks = append(slices.Clone(cycle), blocked...)

	members := make([]*stacktrace.StackTrace, 0, len(f.Stacks))
	for _, id := range f.Stacks {
		members = append(members, snap.Stack(id))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The process(es) %s has/have a deadlock involving the following threads (from %q):\n", procNames, snap.Name)
	for _, id := range cycle {
		e := a.deadlockEntry(snap, snap.Stack(id), RoleCycle, members, &f.Edges)
		writeEntryLine(&b, e)
		f.Entries = append(f.Entries, e)
	}
	if len(blocked) > 0 {
		b.WriteString("Additionally the following threads are blocked due to this deadlock:\n")
		for _, id := range blocked {
			e := a.deadlockEntry(snap, snap.Stack(id), RoleBlocked, members, &f.Edges)
			writeEntryLine(&b, e)
			f.Entries = append(f.Entries, e)
		}
	}
	f.Detail = strings.TrimRight(b.String(), "\n")
	return f
}

// deadlockEntry annotates st with the member it waits on or calls into. Monitor targets are
// matched by tid inside the same process.
func (a *Analyzer) deadlockEntry(snap *stacktrace.Snapshot, st *stacktrace.StackTrace, role string, members []*stacktrace.StackTrace, edges *[]Edge) Entry {
	e := a.entry(snap, st, role)
	if st.Wait != nil {
		for _, m := range members {
			if m.Process != st.Process || m.Tid != st.Wait.TargetTid {
				continue
			}
			e.WaitingOn = m.Name
			e.LockType = st.Wait.LockType
			*edges = append(*edges, Edge{From: e.Label(), To: a.label(snap, m), Label: st.Wait.LockType})
			break
		}
		return e
	}
	if dep, ok := st.AIDLDependency(); ok {
		for _, m := range members {
			if m.ID != dep {
				continue
			}
			e.Calling = a.label(snap, m)
			*edges = append(*edges, Edge{From: e.Label(), To: e.Calling, Label: "binder"})
			break
		}
	}
	return e
}

func writeEntryLine(b *strings.Builder, e Entry) {
	fmt.Fprintf(b, "- %s / %s", e.Process, e.Thread)
	switch {
	case e.WaitingOn != "":
		fmt.Fprintf(b, "  waiting: %s", e.WaitingOn)
		if e.LockType != "" {
			fmt.Fprintf(b, " for %s", e.LockType)
		}
	case e.Calling != "":
		fmt.Fprintf(b, "  calling: %s", e.Calling)
	}
	b.WriteString("\n")
}
