package engine

import (
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/bugreport"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/config"
)

// AnalysisContext carries the state of one analysis run. Nothing in it is shared between runs.
type AnalysisContext struct {
	RunID  string
	Logger hclog.Logger
	Config config.Analyzer

	// Names collects process and thread names from the dump and the ps table.
	Names *bugreport.Names
	// PS is the thread table of the report, nil when the report has none.
	PS *bugreport.PSTable

	busy     map[int]*analyzer.BusyList
	findings []analyzer.Finding
}

// NewContext returns a fresh context. A nil cfg uses the defaults.
func NewContext(logger hclog.Logger, cfg *config.Config) *AnalysisContext {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	c := &AnalysisContext{
		Logger: logger,
		Config: cfg.Analyzer,
	}
	c.Reset()
	return c
}

// BusyList returns the busy list of a snapshot, creating it on first use.
func (c *AnalysisContext) BusyList(snapshot int) *analyzer.BusyList {
	b, ok := c.busy[snapshot]
	if !ok {
		b = analyzer.NewBusyList()
		c.busy[snapshot] = b
	}
	return b
}

// Findings returns the findings of the last Generate.
func (c *AnalysisContext) Findings() []analyzer.Finding {
	return c.findings
}

// Reset drops everything collected so far and starts a new run id.
func (c *AnalysisContext) Reset() {
	c.RunID = uuid.NewString()
	c.Names = bugreport.NewNames()
	c.PS = nil
	c.busy = make(map[int]*analyzer.BusyList)
	c.findings = nil
}

func (c *AnalysisContext) analyzer() *analyzer.Analyzer {
	return analyzer.New(c.Logger.Named("analyzer"),
		analyzer.WithMainThread(c.Config.MainThread),
		analyzer.WithForbiddenPrefixes(c.Config.ForbiddenPrefixes...),
		analyzer.WithNames(c.Names),
	)
}
