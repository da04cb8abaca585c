package stacktrace

import "fmt"

// FrameKind tags the variant held by a Frame.
type FrameKind int

const (
	// JavaFrame is a managed "at Method(File:Line)" frame.
	JavaFrame FrameKind = iota
	// NativeFrame is a "#NN pc <addr> <file> (<symbol>+<offset>)" frame.
	NativeFrame
	// LockFrame is a "- waiting on/locked ..." note attached to the stack.
	LockFrame
	// RawFrame is an "at" line whose location could not be parsed. The text is kept verbatim.
	RawFrame
)

func (k FrameKind) String() string {
	switch k {
	case JavaFrame:
		return "java"
	case NativeFrame:
		return "native"
	case LockFrame:
		return "lock"
	case RawFrame:
		return "raw"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Style values mark analyzer results on frames for renderers.
const (
	StyleNone      = ""
	StyleBusy      = "busy"
	StyleViolation = "violation"
)

// Frame is one entry of a thread's call stack. Which fields are meaningful depends on Kind:
//
//	JavaFrame:   Method, File (may be empty), Line (-1 when unknown)
//	NativeFrame: PC, File, Method (may be empty), MethodOffset (-1), LibOffset (-1)
//	LockFrame:   Text
//	RawFrame:    Text
type Frame struct {
	Kind FrameKind

	Method string
	File   string
	Line   int

	PC           uint64
	MethodOffset int
	LibOffset    int64

	Text string

	// Style is a presentation hint only.
	Style string
}

// NewJavaFrame returns a managed frame.
func NewJavaFrame(method, file string, line int) Frame {
	return Frame{Kind: JavaFrame, Method: method, File: file, Line: line, MethodOffset: -1, LibOffset: -1}
}

// NewNativeFrame returns a native frame. Pass an empty method and -1 offset when the symbol is unknown.
func NewNativeFrame(pc uint64, file, method string, methodOffset int) Frame {
	return Frame{Kind: NativeFrame, PC: pc, File: file, Method: method, Line: -1, MethodOffset: methodOffset, LibOffset: -1}
}

// NewLockFrame returns the note frame created for "  - ..." lines.
func NewLockFrame(text string) Frame {
	return Frame{Kind: LockFrame, Text: text, Line: -1, MethodOffset: -1, LibOffset: -1}
}

// NewRawFrame keeps an unparsable "at" line.
func NewRawFrame(text string) Frame {
	return Frame{Kind: RawFrame, Text: text, Line: -1, MethodOffset: -1, LibOffset: -1}
}

// Managed reports whether the frame belongs to the VM side of the stack.
// Lock notes and raw frames only ever appear between managed frames, so they count too.
func (f Frame) Managed() bool {
	switch f.Kind {
	case JavaFrame, LockFrame, RawFrame:
		return true
	default:
		return false
	}
}

// String renders the frame the way it appeared in the dump.
func (f Frame) String() string {
	switch f.Kind {
	case JavaFrame:
		switch {
		case f.File == "":
			return f.Method + "()"
		case f.Line < 0:
			return fmt.Sprintf("%s(%s)", f.Method, f.File)
		default:
			return fmt.Sprintf("%s(%s:%d)", f.Method, f.File, f.Line)
		}
	case NativeFrame:
		s := fmt.Sprintf("pc %08x  %s", f.PC, f.File)
		if f.LibOffset >= 0 {
			s += fmt.Sprintf(" (offset %x)", f.LibOffset)
		}
		if f.Method != "" {
			s += fmt.Sprintf(" (%s+%d)", f.Method, f.MethodOffset)
		}
		return s
	case LockFrame:
		return "- " + f.Text
	default:
		return f.Text
	}
}
