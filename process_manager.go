package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/mcp"
)

type pprofSession struct {
	process *os.Process
	cleanup func()
}

// pprofSessions tracks the background "go tool pprof -http" processes started by the server.
type pprofSessions struct {
	mu      sync.Mutex
	running map[int]pprofSession
	logger  hclog.Logger
}

func newPprofSessions(logger hclog.Logger) *pprofSessions {
	return &pprofSessions{
		running: make(map[int]pprofSession),
		logger:  logger,
	}
}

func (s *pprofSessions) add(pid int, sess pprofSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[pid] = sess
}

func (s *pprofSessions) remove(pid int) (pprofSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.running[pid]
	delete(s.running, pid)
	return sess, ok
}

func (s *pprofSessions) pids() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]int, 0, len(s.running))
	for pid := range s.running {
		ret = append(ret, pid)
	}
	return ret
}

// terminate interrupts the process, falling back to kill, and removes its profile.
func (s *pprofSessions) terminate(pid int, sess pprofSession) error {
	defer sess.cleanup()

	if err := sess.process.Signal(os.Interrupt); err != nil {
		s.logger.Warn("interrupt failed, killing", "pid", pid, "error", err)
		if err := sess.process.Signal(os.Kill); err != nil {
			return fmt.Errorf("failed to terminate PID %d: %w", pid, err)
		}
	}
	if _, err := sess.process.Wait(); err != nil &&
		!strings.Contains(err.Error(), "no child processes") && !strings.Contains(err.Error(), "signal:") {
		s.logger.Warn("error waiting for process", "pid", pid, "error", err)
	}
	return nil
}

// stopAll terminates every tracked process.
func (s *pprofSessions) stopAll() {
	pids := s.pids()
	if len(pids) == 0 {
		s.logger.Debug("no running pprof processes to terminate")
		return
	}

	s.logger.Info("terminating pprof processes", "pids", pids)
	var wg sync.WaitGroup
	for _, pid := range pids {
		sess, ok := s.remove(pid)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.terminate(pid, sess); err != nil {
				s.logger.Error("cleanup failed", "pid", pid, "error", err)
			}
		}()
	}
	wg.Wait()
}

// handleOpenInteractivePprof starts the pprof web UI on the exported thread profile of a dump.
// macOS only, as the UI opens a browser.
func (a *app) handleOpenInteractivePprof(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("this tool is only available on macOS (current system: %s)", runtime.GOOS)
	}

	args := request.Params.Arguments
	dumpURI := stringArg(args, "dump_uri", "")
	if dumpURI == "" {
		return nil, fmt.Errorf("missing or invalid required argument: dump_uri (string)")
	}
	httpAddress := stringArg(args, "http_address", ":8081")
	snapshot := intArg(args, "snapshot", 0)

	a.logger.Info("handling open_interactive_pprof", "uri", dumpURI, "address", httpAddress)

	if _, err := exec.LookPath("go"); err != nil {
		return nil, fmt.Errorf("'go' command not found in PATH, cannot start pprof")
	}

	e, err := a.loadEngine(ctx, dumpURI)
	if err != nil {
		return nil, err
	}
	p, err := snapshotProfile(e, snapshot)
	if err != nil {
		return nil, err
	}
	// The file must outlive this request; it is removed when the session ends.
	profilePath, cleanup, err := writeTempProfile(p)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("go", "tool", "pprof", "-http="+httpAddress, profilePath)
	if err := cmd.Start(); err != nil {
		cleanup()
		a.logger.Error("failed to start go tool pprof", "error", err)
		return nil, fmt.Errorf("failed to start 'go tool pprof': %w", err)
	}

	pid := cmd.Process.Pid
	a.sessions.add(pid, pprofSession{process: cmd.Process, cleanup: cleanup})
	a.logger.Info("started go tool pprof", "pid", pid)

	resultText := fmt.Sprintf("Started 'go tool pprof' in the background (PID: %d) for the threads of '%s', listening on %s.", pid, dumpURI, httpAddress)
	resultText += "\nUse the 'disconnect_pprof_session' tool with this PID to stop it."
	return textResult(resultText), nil
}

// handleDisconnectPprofSession stops a process started by handleOpenInteractivePprof.
func (a *app) handleDisconnectPprofSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pidFloat, ok := request.Params.Arguments["pid"].(float64)
	if !ok {
		return nil, fmt.Errorf("missing or invalid required argument: pid (number)")
	}
	pid := int(pidFloat)
	if pid <= 0 {
		return nil, fmt.Errorf("invalid PID: %d", pid)
	}

	sess, ok := a.sessions.remove(pid)
	if !ok {
		return nil, fmt.Errorf("no running pprof session with PID %d", pid)
	}
	if err := a.sessions.terminate(pid, sess); err != nil {
		return nil, err
	}

	a.logger.Info("terminated pprof session", "pid", pid)
	return textResult(fmt.Sprintf("Sent termination signal to PID %d.", pid)), nil
}

// setupSignalHandler stops the background pprof processes when the server is interrupted.
func (a *app) setupSignalHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		a.logger.Info("received signal, cleaning up", "signal", sig.String())
		a.sessions.stopAll()
	}()
}
