// Package engine drives an analysis: it scans the dump sections of a report into snapshots,
// links binder transactions, then runs the analyzer over every snapshot.
package engine

import (
	"cmp"
	"errors"
	"regexp"
	"slices"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/bugreport"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// Snapshot ids.
const (
	IDNow     = 1
	IDLastANR = 2
	IDOld     = 3
	IDSlow    = 0x100
)

// ErrNoSnapshots is returned when a report holds no thread dump section.
var ErrNoSnapshots = errors.New("no thread dump found")

var slowChapter = regexp.MustCompile(`\((.*)\)`)

// Engine owns the snapshots of one report.
type Engine struct {
	ctx       *AnalysisContext
	scanner   *stacktrace.Scanner
	linker    *stacktrace.Linker
	snapshots map[int]*stacktrace.Snapshot
}

// New returns an engine working in actx.
func New(actx *AnalysisContext) *Engine {
	return &Engine{
		ctx:       actx,
		scanner:   stacktrace.NewScanner(actx.Logger.Named("scanner")),
		linker:    stacktrace.NewLinker(actx.Logger.Named("binder")),
		snapshots: make(map[int]*stacktrace.Snapshot),
	}
}

// Context returns the analysis context of the engine.
func (e *Engine) Context() *AnalysisContext {
	return e.ctx
}

// Snapshot returns the snapshot with the given id, or nil.
func (e *Engine) Snapshot(id int) *stacktrace.Snapshot {
	return e.snapshots[id]
}

// Snapshots returns the loaded snapshots by ascending id.
func (e *Engine) Snapshots() []*stacktrace.Snapshot {
	ids := make([]int, 0, len(e.snapshots))
	for id := range e.snapshots {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	ret := make([]*stacktrace.Snapshot, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, e.snapshots[id])
	}
	return ret
}

// Load scans every thread dump section of sections. Missing sections are logged and skipped;
// ErrNoSnapshots is returned when none was found.
func (e *Engine) Load(sections bugreport.SectionLookup) error {
	log := e.ctx.Logger

	if ps, ok := sections.Section(bugreport.ProcessesAndThreads); ok {
		e.ctx.PS = bugreport.ParsePS(ps, log.Named("ps"))
		for _, rec := range e.ctx.PS.Records() {
			e.ctx.Names.NameHint(rec.Pid, rec.Name, bugreport.PriorityPS)
		}
	}

	e.run(sections, IDNow, bugreport.VMTracesJustNow, "VM traces just now")
	e.run(sections, IDLastANR, bugreport.VMTracesAtLastANR, "VM traces at last ANR")
	e.run(sections, IDOld, bugreport.VMTraces, "VM traces")

	id := IDSlow
	for _, name := range sections.Sections() {
		if bugreport.ShortName(name) != bugreport.VMTracesWhenSlow {
			continue
		}
		m := slowChapter.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if lines, ok := sections.Section(name); ok {
			e.scan(id, m[1], name, lines)
			id++
		}
	}

	now := e.snapshots[IDNow]
	binder, ok := sections.Section(bugreport.BinderState)
	switch {
	case now == nil:
		log.Warn("cannot find current stack traces, ignoring binder state")
	case !ok:
		log.Warn("cannot find section, ignoring it", "section", bugreport.BinderState)
	default:
		n := e.linker.Link(now, binder)
		log.Debug("linked binder transactions", "edges", n)
	}

	if len(e.snapshots) == 0 {
		return ErrNoSnapshots
	}
	return nil
}

func (e *Engine) run(sections bugreport.SectionLookup, id int, section, name string) {
	lines, ok := sections.Section(section)
	if !ok {
		e.ctx.Logger.Warn("cannot find section", "section", section)
		return
	}
	e.scan(id, name, section, lines)
}

func (e *Engine) scan(id int, name, section string, lines []string) {
	snap := e.scanner.Scan(id, name, section, lines)
	e.snapshots[id] = snap

	for _, proc := range snap.Processes() {
		if proc.Name != "" {
			e.ctx.Names.NameHint(proc.Pid, proc.Name, bugreport.PriorityCmdLine)
		}

		children := e.ctx.PS.Children(proc.Pid)
		for _, st := range proc.Stacks() {
			sysTid := st.SysTid
			if sysTid < 0 {
				continue
			}
			// The main thread shares the process id, which is named by the process itself.
			if sysTid != proc.Pid {
				e.ctx.Names.NameHint(sysTid, st.Name, bugreport.PriorityThreadTag)
			}
			children = slices.DeleteFunc(children, func(rec stacktrace.ThreadRecord) bool {
				return rec.Pid == sysTid
			})
		}
		proc.UnknownThreads = children
	}

	e.ctx.Logger.Info("scanned snapshot", "id", id, "name", name,
		"processes", len(snap.Processes()), "threads", snap.StackCount())
}

// Generate analyzes every snapshot, replaces the stored findings and returns them by descending
// priority. Findings of equal priority keep their snapshot and pass order.
func (e *Engine) Generate() ([]analyzer.Finding, error) {
	snaps := e.Snapshots()
	if len(snaps) == 0 {
		return nil, ErrNoSnapshots
	}

	a := e.ctx.analyzer()
	var findings []analyzer.Finding
	for _, snap := range snaps {
		findings = append(findings, a.Analyze(snap, e.ctx.BusyList(snap.ID))...)
	}
	slices.SortStableFunc(findings, func(x, y analyzer.Finding) int {
		return cmp.Compare(y.Priority, x.Priority)
	})

	e.ctx.findings = findings
	return findings, nil
}

// Reset drops the loaded snapshots and the context state.
func (e *Engine) Reset() {
	clear(e.snapshots)
	e.ctx.Reset()
}
