// Package stacktrace holds the call-stack model built from VM thread dumps, the scanner that
// produces it and the linker that adds cross-process binder edges.
//
// Processes and stacks live in an arena owned by the Snapshot and refer to each other by index,
// so back-references and wait-for edges never form ownership cycles.
package stacktrace

import "fmt"

// ProcessID indexes a Process inside its Snapshot.
type ProcessID int

// StackID indexes a StackTrace inside its Snapshot.
type StackID int

// NoStack marks an absent stack reference.
const NoStack StackID = -1

// NativeThreadState is the state given to threads that only have a native stack.
const NativeThreadState = "NATIVE_THREAD"

// Snapshot is one scanned dump section: every process seen in it.
type Snapshot struct {
	ID          int
	Name        string
	SectionName string

	processes []*Process
	stacks    []*StackTrace
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot(id int, name, sectionName string) *Snapshot {
	return &Snapshot{ID: id, Name: name, SectionName: sectionName}
}

// AddProcess appends a new process to the snapshot.
func (s *Snapshot) AddProcess(pid int, date, time string) *Process {
	p := &Process{
		ID:   ProcessID(len(s.processes)),
		Pid:  pid,
		Date: date,
		Time: time,
		snap: s,
	}
	s.processes = append(s.processes, p)
	return p
}

// AddStack appends a new thread to the given process.
func (s *Snapshot) AddStack(proc ProcessID, name string, tid, prio int, state string) *StackTrace {
	st := &StackTrace{
		ID:      StackID(len(s.stacks)),
		Process: proc,
		Name:    name,
		Tid:     tid,
		SysTid:  -1,
		Prio:    prio,
		State:   state,
		aidlDep: NoStack,
	}
	s.stacks = append(s.stacks, st)
	p := s.processes[proc]
	p.stacks = append(p.stacks, st.ID)
	return st
}

// Processes returns the processes in scan order.
func (s *Snapshot) Processes() []*Process {
	return s.processes
}

// Process returns the process with the given id.
func (s *Snapshot) Process(id ProcessID) *Process {
	if id < 0 || int(id) >= len(s.processes) {
		return nil
	}
	return s.processes[id]
}

// Stack returns the stack with the given id, or nil.
func (s *Snapshot) Stack(id StackID) *StackTrace {
	if id < 0 || int(id) >= len(s.stacks) {
		return nil
	}
	return s.stacks[id]
}

// Stacks returns every stack of every process, in scan order.
func (s *Snapshot) Stacks() []*StackTrace {
	return s.stacks
}

// StackCount is the number of stacks in the arena.
func (s *Snapshot) StackCount() int {
	return len(s.stacks)
}

// ProcessOf returns the owning process of a stack.
func (s *Snapshot) ProcessOf(st *StackTrace) *Process {
	return s.Process(st.Process)
}

// FindPid looks a process up by its linux pid.
func (s *Snapshot) FindPid(pid int) *Process {
	for _, p := range s.processes {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// Dependency returns the stack that id is blocked on. A monitor wait is consulted first and
// resolved by tid inside the same process; only stacks without one fall back to the AIDL edge.
func (s *Snapshot) Dependency(id StackID) (StackID, bool) {
	st := s.Stack(id)
	if st == nil {
		return NoStack, false
	}
	if st.Wait != nil {
		target := s.processes[st.Process].FindTid(st.Wait.TargetTid)
		if target == nil {
			return NoStack, false
		}
		return target.ID, true
	}
	if st.aidlDep == NoStack {
		return NoStack, false
	}
	return st.aidlDep, true
}

// AIDLCalls lists the stacks that have an outgoing AIDL edge.
func (s *Snapshot) AIDLCalls() []*StackTrace {
	var ret []*StackTrace
	for _, st := range s.stacks {
		if st.aidlDep != NoStack {
			ret = append(ret, st)
		}
	}
	return ret
}

// ThreadRecord describes a thread seen outside the dump (for example in ps output).
type ThreadRecord struct {
	Pid  int
	PPid int
	Name string
}

// Process is one VM process of a snapshot.
type Process struct {
	ID   ProcessID
	Pid  int
	Name string
	Date string
	Time string

	// UnknownThreads are children of the process with no captured stack.
	UnknownThreads []ThreadRecord

	stacks []StackID
	snap   *Snapshot
}

// Stacks returns the process' threads in scan order.
func (p *Process) Stacks() []*StackTrace {
	ret := make([]*StackTrace, 0, len(p.stacks))
	for _, id := range p.stacks {
		ret = append(ret, p.snap.stacks[id])
	}
	return ret
}

// StackCount returns the number of threads captured for the process.
func (p *Process) StackCount() int {
	return len(p.stacks)
}

// FindTid looks a thread up by its dump-local thread id.
func (p *Process) FindTid(tid int) *StackTrace {
	var found *StackTrace
	for _, id := range p.stacks {
		if st := p.snap.stacks[id]; st.Tid == tid {
			found = st
		}
	}
	return found
}

// FindSysTid looks a thread up by its linux thread id.
func (p *Process) FindSysTid(sysTid int) *StackTrace {
	if sysTid < 0 {
		return nil
	}
	var found *StackTrace
	for _, id := range p.stacks {
		if st := p.snap.stacks[id]; st.SysTid == sysTid {
			found = st
		}
	}
	return found
}

// DisplayName is the process name, or its pid when no "Cmd line:" was seen.
func (p *Process) DisplayName() string {
	if p.Name == "" {
		return fmt.Sprintf("pid %d", p.Pid)
	}
	return p.Name
}

// WaitInfo is a monitor wait on a thread of the same process.
type WaitInfo struct {
	TargetTid int
	LockID    string
	LockType  string
}

// Property is one key=value pair from the "  | " lines.
type Property struct {
	Key   string
	Value string
}

// StackTrace is one thread: its header, properties, frames and outgoing wait edge.
// Frame 0 is the innermost frame.
type StackTrace struct {
	ID      StackID
	Process ProcessID
	Name    string
	Tid     int
	SysTid  int
	Prio    int
	State   string
	Frames  []Frame
	Wait    *WaitInfo

	props   []Property
	aidlDep StackID
}

// AddFrame appends a frame in caller direction.
func (st *StackTrace) AddFrame(f Frame) {
	st.Frames = append(st.Frames, f)
}

// SetWait records the monitor the thread waits on. Only the first call has an effect.
func (st *StackTrace) SetWait(w WaitInfo) bool {
	if st.Wait != nil {
		return false
	}
	st.Wait = &w
	return true
}

// SetAIDLDependency records that the thread is blocked in a binder call served by dst.
// Only the first call has an effect.
func (st *StackTrace) SetAIDLDependency(dst StackID) bool {
	if st.aidlDep != NoStack || dst == NoStack {
		return false
	}
	st.aidlDep = dst
	return true
}

// AIDLDependency returns the thread serving this thread's outgoing binder call.
func (st *StackTrace) AIDLDependency() (StackID, bool) {
	return st.aidlDep, st.aidlDep != NoStack
}

// SetProperty appends a property. Duplicate keys are kept; Property returns the first one.
func (st *StackTrace) SetProperty(key, value string) {
	st.props = append(st.props, Property{Key: key, Value: value})
}

// Property returns the first value recorded for key.
func (st *StackTrace) Property(key string) (string, bool) {
	for _, p := range st.props {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Properties returns every property in the order seen.
func (st *StackTrace) Properties() []Property {
	return st.props
}

// FindMethod returns the index of the first frame (innermost first) whose method is name, or -1.
func (st *StackTrace) FindMethod(name string) int {
	for i, f := range st.Frames {
		if f.Method == name {
			return i
		}
	}
	return -1
}

// HasManagedFrameBefore reports whether a managed frame sits inner to index idx.
func (st *StackTrace) HasManagedFrameBefore(idx int) bool {
	n := min(idx, len(st.Frames))
	for i := 0; i < n; i++ {
		if st.Frames[i].Managed() {
			return true
		}
	}
	return false
}

// SetStyle styles frames [from, to), clamped to the stack.
func (st *StackTrace) SetStyle(from, to int, style string) {
	from = max(0, from)
	to = min(len(st.Frames), to)
	for i := from; i < to; i++ {
		st.Frames[i].Style = style
	}
}
