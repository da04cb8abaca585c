package bugreport

// Name hint priorities. Higher wins.
const (
	PriorityPS        = 10
	PriorityThreadTag = 40
	PriorityCmdLine   = 50
)

type nameHint struct {
	name string
	prio int
}

// Names collects display names for linux task ids from several sources and keeps the most
// trusted one.
type Names struct {
	hints map[int]nameHint
}

// NewNames returns an empty registry.
func NewNames() *Names {
	return &Names{hints: make(map[int]nameHint)}
}

// NameHint suggests name for pid. It replaces the current name only when prio is higher.
func (n *Names) NameHint(pid int, name string, prio int) {
	if name == "" {
		return
	}
	if cur, ok := n.hints[pid]; ok && cur.prio >= prio {
		return
	}
	n.hints[pid] = nameHint{name: name, prio: prio}
}

// Lookup returns the best name known for pid.
func (n *Names) Lookup(pid int) (string, bool) {
	h, ok := n.hints[pid]
	return h.name, ok
}

// Len is the number of named pids.
func (n *Names) Len() int {
	return len(n.hints)
}
