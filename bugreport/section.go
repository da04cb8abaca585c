// Package bugreport splits device bug reports into named sections and reads the auxiliary
// sections (process table, kernel binder state) the thread dump analysis depends on.
package bugreport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Well-known section names.
const (
	VMTracesJustNow     = "VM TRACES JUST NOW"
	VMTracesAtLastANR   = "VM TRACES AT LAST ANR"
	VMTraces            = "VM TRACES"
	VMTracesWhenSlow    = "VM TRACES WHEN SLOW"
	BinderState         = "BINDER STATE"
	ProcessesAndThreads = "PROCESSES AND THREADS"
)

const (
	sectionDivider = "-------------------------------------------------------------------------------"
	smapsSection   = "SMAPS OF ALL PROCESSES"
	activityDump   = "DUMP OF SERVICE activity:"
	maxLineSize    = 16 * 1024 * 1024
)

// SectionLookup gives access to the sections of a report.
type SectionLookup interface {
	// Section returns the lines of the section with the given short or full name.
	Section(name string) ([]string, bool)
	// Sections lists the full section names in file order.
	Sections() []string
}

// Section is one named part of a report.
type Section struct {
	Name      string
	ShortName string
	Lines     []string
}

// ShortName strips the parenthesized and colon-separated suffixes of a section name, so
// "VM TRACES WHEN SLOW (/data/anr/slow00.txt: ...)" becomes "VM TRACES WHEN SLOW".
func ShortName(name string) string {
	if p := strings.IndexByte(name, '('); p >= 0 {
		name = strings.TrimRight(name[:p], " ")
	}
	if p := strings.IndexByte(name, ':'); p >= 0 {
		name = name[:p]
	}
	return name
}

// Report is a bug report split into sections.
type Report struct {
	// Header holds the lines before the first section.
	Header []string

	sections []*Section
	byShort  map[string]*Section
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{byShort: make(map[string]*Section)}
}

// AddSection appends a section. A later section with the same short name shadows the earlier one
// for lookups by short name.
func (r *Report) AddSection(name string, lines []string) *Section {
	sec := &Section{Name: name, ShortName: ShortName(name), Lines: lines}
	r.sections = append(r.sections, sec)
	r.byShort[sec.ShortName] = sec
	return sec
}

// Section implements SectionLookup. Short names are tried first, then full names.
func (r *Report) Section(name string) ([]string, bool) {
	if sec, ok := r.byShort[name]; ok {
		return sec.Lines, true
	}
	for i := len(r.sections) - 1; i >= 0; i-- {
		if r.sections[i].Name == name {
			return r.sections[i].Lines, true
		}
	}
	return nil, false
}

// Sections implements SectionLookup.
func (r *Report) Sections() []string {
	names := make([]string, 0, len(r.sections))
	for _, sec := range r.sections {
		names = append(names, sec.Name)
	}
	return names
}

// SectionsNamed returns the full names of every section with the given short name.
func (r *Report) SectionsNamed(short string) []string {
	var names []string
	for _, sec := range r.sections {
		if sec.ShortName == short {
			names = append(names, sec.Name)
		}
	}
	return names
}

// ReadLines reads r into lines without their line terminators.
func ReadLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return lines, nil
}

// Parse reads a bug report and splits it into sections.
func Parse(r io.Reader) (*Report, error) {
	lines, err := ReadLines(r)
	if err != nil {
		return nil, err
	}
	return Split(lines), nil
}

// Split cuts lines into sections. A section starts at a "------ NAME ------" line, or at the
// divider line of dumpsys output, in which case the following line is the name.
func Split(lines []string) *Report {
	r := NewReport()
	var cur *Section
	add := func(line string) {
		if cur != nil {
			cur.Lines = append(cur.Lines, line)
		} else {
			r.Header = append(r.Header, line)
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if strings.HasPrefix(line, "------ ") {
			if e := strings.Index(line, " ------"); e >= 0 {
				name := line[7:e]
				// SMAPS dumps repeat a header per process; keep them in one section.
				if cur == nil || cur.Name != smapsSection || !strings.HasPrefix(name, "SHOW MAP ") {
					cur = r.AddSection(name, nil)
					continue
				}
			}
		}

		// Some services print the divider without a line break.
		if idx := strings.Index(line, sectionDivider); idx > 0 {
			add(line[:idx])
			line = line[idx:]
		}

		if line == sectionDivider {
			if i+1 >= len(lines) {
				continue
			}
			i++
			name := lines[i]
			if name == activityDump && i+1 < len(lines) {
				i++
				name = lines[i]
			}
			cur = r.AddSection(name, nil)
			continue
		}

		add(line)
	}
	return r
}
