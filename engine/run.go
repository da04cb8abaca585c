package engine

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/bugreport"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/config"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// Input is one report to analyze. Open is called from the worker goroutine.
type Input struct {
	Source string
	Open   func(ctx context.Context) (bugreport.SectionLookup, error)
}

// Result is the outcome of analyzing one Input.
type Result struct {
	Source    string
	RunID     string
	Snapshots []*stacktrace.Snapshot
	Findings  []analyzer.Finding
	Err       error
}

// Analyze runs load and generate for a single report.
func Analyze(actx *AnalysisContext, sections bugreport.SectionLookup) (*Engine, []analyzer.Finding, error) {
	e := New(actx)
	if err := e.Load(sections); err != nil {
		return e, nil, err
	}
	findings, err := e.Generate()
	return e, findings, err
}

// RunAll analyzes inputs in parallel, each with its own engine and context. Failures of one
// input are reported in its Result; the returned error is only set when ctx is cancelled.
func RunAll(ctx context.Context, logger hclog.Logger, cfg *config.Config, inputs []Input) ([]Result, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	results := make([]Result, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Analyzer.MaxParallel)

	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			actx := NewContext(logger.Named("engine").With("source", in.Source), cfg)
			results[i] = Result{Source: in.Source, RunID: actx.RunID}

			sections, err := in.Open(gctx)
			if err != nil {
				results[i].Err = fmt.Errorf("failed to open %s: %w", in.Source, err)
				return nil
			}
			e, findings, err := Analyze(actx, sections)
			results[i].Snapshots = e.Snapshots()
			results[i].Findings = findings
			if err != nil {
				results[i].Err = fmt.Errorf("failed to analyze %s: %w", in.Source, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
