package analyzer

import (
	"time"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// Category is the kind of problem a Finding reports.
type Category string

const (
	CategoryBusy          Category = "busy-thread"
	CategoryMainViolation Category = "main-thread-violation"
	CategoryDeadlock      Category = "deadlock"
)

// Finding priorities, higher is more severe.
const (
	PriorityDeadlock      = 95
	PriorityMainViolation = 90
	PriorityBusy          = 10
)

// Entry roles inside a finding.
const (
	RoleBusy      = "busy"
	RoleViolation = "violation"
	RoleWaiter    = "waiter"
	RoleCycle     = "cycle"
	RoleBlocked   = "blocked"
)

// Finding is one diagnostic produced by the analyzer.
type Finding struct {
	ID        string               `json:"id"`
	Category  Category             `json:"category"`
	Priority  int                  `json:"priority"`
	Timestamp *time.Time           `json:"timestamp,omitempty"`
	Title     string               `json:"title"`
	Detail    string               `json:"detail"`
	Snapshot  string               `json:"snapshot"`
	Stacks    []stacktrace.StackID `json:"stacks"`
	Entries   []Entry              `json:"entries"`
	Edges     []Edge               `json:"edges,omitempty"`
}

// Entry describes one thread involved in a finding.
type Entry struct {
	Stack   stacktrace.StackID `json:"stack"`
	Role    string             `json:"role"`
	Pid     int                `json:"pid"`
	Process string             `json:"process"`
	Thread  string             `json:"thread"`
	Tid     int                `json:"tid"`
	State   string             `json:"state"`

	// Set on deadlock entries when the thread they wait on is also listed.
	WaitingOn string `json:"waitingOn,omitempty"`
	LockType  string `json:"lockType,omitempty"`
	Calling   string `json:"calling,omitempty"`

	// Innermost Java frame with a known line.
	SourceFile string `json:"sourceFile,omitempty"`
	SourceLine int    `json:"sourceLine,omitempty"`

	Frames []string `json:"frames,omitempty"`
}

// Label is "process/thread", unique enough to name a graph node.
func (e Entry) Label() string {
	return e.Process + "/" + e.Thread
}

// Edge is one labelled wait-for edge of a deadlock.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// --- JSON output ---

// ErrorResult is returned in place of a JSON document when marshalling fails.
type ErrorResult struct {
	Error string `json:"error"`
	TopN  int    `json:"topN,omitempty"`
}

// FindingsResult is the JSON rendering of a finding list.
type FindingsResult struct {
	Source        string         `json:"source,omitempty"`
	TotalFindings int            `json:"totalFindings"`
	ByCategory    map[string]int `json:"byCategory"`
	Findings      []Finding      `json:"findings"`
}

// ThreadStackInfo is one group of identical stacks.
type ThreadStackInfo struct {
	Count      int64    `json:"count"`
	Threads    []string `json:"threads,omitempty"`
	StackTrace []string `json:"stackTrace"`
}

// ThreadAnalysisResult is the JSON rendering of AnalyzeThreadProfile.
type ThreadAnalysisResult struct {
	ProfileType  string            `json:"profileType"`
	TotalThreads int64             `json:"totalThreads"`
	States       map[string]int64  `json:"states"`
	TopN         int               `json:"topN"`
	Stacks       []ThreadStackInfo `json:"stacks"`
}

// FlameGraphNode is a node of the hierarchical JSON used by d3-flame-graph.
type FlameGraphNode struct {
	Name     string            `json:"name"`
	Value    int64             `json:"value"`
	Children []*FlameGraphNode `json:"children,omitempty"`
}
