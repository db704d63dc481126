package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattjoyce/crucible/internal/protocol"
)

// Environment variables always set for the worker, pointing it at its own
// runtime root and module search path.
const (
	envRuntimeRoot = "CRUCIBLE_RUNTIME_ROOT"
	envModulePath  = "CRUCIBLE_MODULE_PATH"
)

// startWorker spawns the worker process with its stdin and stdout bound to a
// fresh pipe pair, starts the reader, and drains the command queue in FIFO
// order. A spawn failure leaves the session in init with the queue intact so
// a later StartInstance can retry.
func (s *Session) startWorker() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInit {
		return nil
	}

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		s.acquiring = false
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		_ = stdinRead.Close()
		_ = stdinWrite.Close()
		s.acquiring = false
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	worker := exec.Command(s.workerPath)
	worker.Dir = s.runtimeRoot
	worker.Env = workerEnv(s.keepEnv, s.runtimeRoot)
	worker.Stdin = stdinRead
	worker.Stdout = stdoutWrite
	worker.Stderr = os.Stderr

	var outFile *os.File
	if s.outputFile != "" {
		f, err := os.Create(s.outputFile)
		if err != nil {
			s.logger.Error("unable to open worker output file", "path", s.outputFile, "error", err)
		} else {
			worker.Stderr = f
			outFile = f
		}
	}

	if err := worker.Start(); err != nil {
		_ = stdinRead.Close()
		_ = stdinWrite.Close()
		_ = stdoutRead.Close()
		_ = stdoutWrite.Close()
		if outFile != nil {
			_ = outFile.Close()
		}
		s.acquiring = false
		return fmt.Errorf("start worker %s: %w", s.workerPath, err)
	}

	// Close the descriptors now owned by the child.
	_ = stdinRead.Close()
	_ = stdoutWrite.Close()
	if outFile != nil {
		_ = outFile.Close()
	}

	s.worker = worker
	s.pipeWrite = stdinWrite
	s.pipeRead = stdoutRead
	s.state = StateRunning

	s.waitDone = make(chan struct{})
	go func() {
		s.waitErr = worker.Wait()
		close(s.waitDone)
	}()

	s.logger.Info("worker started", "pid", worker.Process.Pid)
	if s.onWorkerSpawned != nil {
		s.onWorkerSpawned(worker.Process.Pid)
	}

	s.readerContinue.Store(true)
	s.readerDone = make(chan struct{})
	s.readerStarted = true
	go s.readLoop(stdoutRead)

	// Feed the worker everything queued while it wasn't ready, in order.
	// mu stays held so no direct send can interleave with the drain.
	for _, c := range s.pending {
		if err := protocol.EncodeCommand(s.pipeWrite, c); err != nil {
			s.logger.Error("failed to deliver queued command", "cmd", c.Cmd, "error", err)
		}
	}
	s.pending = nil

	return nil
}

// workerEnv rebuilds the worker environment from scratch: the allow-listed
// variables copied from the controller environment when present, plus the two
// synthesized runtime path variables.
func workerEnv(keep []string, runtimeRoot string) []string {
	env := make([]string, 0, len(keep)+2)
	for _, key := range keep {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		envRuntimeRoot+"="+runtimeRoot,
		envModulePath+"="+filepath.Join(runtimeRoot, "modules"),
	)
	return env
}
