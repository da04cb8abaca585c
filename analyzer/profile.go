package analyzer

import (
	"fmt"
	"slices"

	"github.com/google/pprof/profile"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// Sample label keys set by ToProfile.
const (
	LabelProcess = "process"
	LabelThread  = "thread"
	LabelState   = "state"
	LabelStyle   = "style"
)

type functionKey struct {
	name string
	file string
}

type locationKey struct {
	fn   uint64
	line int64
	pc   uint64
}

// profileBuilder interns functions and locations while converting frames.
type profileBuilder struct {
	p         *profile.Profile
	functions map[functionKey]*profile.Function
	locations map[locationKey]*profile.Location
}

// ToProfile converts a snapshot into a pprof profile with one sample of value 1 per thread.
// Locations are listed innermost first, as pprof expects. Lock notes are not calls and are left
// out.
func ToProfile(snap *stacktrace.Snapshot) *profile.Profile {
	b := &profileBuilder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "threads", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "threads", Unit: "count"},
			Period:     1,
			Comments:   []string{fmt.Sprintf("snapshot %q from section %s", snap.Name, snap.SectionName)},
		},
		functions: make(map[functionKey]*profile.Function),
		locations: make(map[locationKey]*profile.Location),
	}

	for _, st := range snap.Stacks() {
		proc := snap.ProcessOf(st)
		sample := &profile.Sample{
			Value: []int64{1},
			Label: map[string][]string{
				LabelProcess: {proc.DisplayName()},
				LabelThread:  {st.Name},
				LabelState:   {st.State},
			},
			NumLabel: map[string][]int64{
				"pid": {int64(proc.Pid)},
				"tid": {int64(st.Tid)},
			},
		}
		var styles []string
		for _, f := range st.Frames {
			if f.Kind == stacktrace.LockFrame {
				continue
			}
			sample.Location = append(sample.Location, b.location(f))
			if f.Style != stacktrace.StyleNone && !slices.Contains(styles, f.Style) {
				styles = append(styles, f.Style)
			}
		}
		if len(styles) > 0 {
			sample.Label[LabelStyle] = styles
		}
		b.p.Sample = append(b.p.Sample, sample)
	}
	return b.p
}

func (b *profileBuilder) location(f stacktrace.Frame) *profile.Location {
	name, file, line := frameFunction(f)
	fn := b.function(name, file)
	key := locationKey{fn: fn.ID, line: line, pc: f.PC}
	if loc, ok := b.locations[key]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:      uint64(len(b.p.Location) + 1),
		Address: f.PC,
		Line:    []profile.Line{{Function: fn, Line: line}},
	}
	b.locations[key] = loc
	b.p.Location = append(b.p.Location, loc)
	return loc
}

func (b *profileBuilder) function(name, file string) *profile.Function {
	key := functionKey{name: name, file: file}
	if fn, ok := b.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       name,
		SystemName: name,
		Filename:   file,
	}
	b.functions[key] = fn
	b.p.Function = append(b.p.Function, fn)
	return fn
}

// frameFunction names the pprof function of a frame. Native frames without a symbol are named
// after their library.
func frameFunction(f stacktrace.Frame) (name, file string, line int64) {
	switch f.Kind {
	case stacktrace.JavaFrame:
		return f.Method, f.File, int64(max(f.Line, 0))
	case stacktrace.NativeFrame:
		if f.Method == "" {
			return fmt.Sprintf("%s@0x%x", f.File, f.PC), f.File, 0
		}
		return f.Method, f.File, 0
	default:
		return f.Text, "", 0
	}
}
