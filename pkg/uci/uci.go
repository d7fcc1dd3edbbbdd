/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package uci drives a chess engine that speaks the Universal Chess
// Interface over its standard input and output.
package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/engine-broker/pkg/engine"
)

const (
	// DefaultDepth is the search depth used for finite analysis.
	DefaultDepth = 25

	// stopTimeout bounds how long a stopped search may take to report
	// its best move before the process is killed.
	stopTimeout = 5 * time.Second
)

// ErrExited is returned when the engine process goes away mid-conversation.
var ErrExited = errors.New("engine exited")

// Engine is a long-lived engine process. It runs one analysis at a time and
// is restarted on demand if it dies.
type Engine struct {
	command string
	depth   int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
}

// New returns an Engine that launches command with "sh -c" when first used.
func New(command string, depth int) *Engine {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Engine{command: command, depth: depth}
}

// Analyse runs a search for work and writes every line the engine prints
// to out, ending with the bestmove line. If ctx is cancelled or out stops
// accepting writes, the search is stopped and the error returned.
func (e *Engine) Analyse(ctx context.Context, work engine.Work, out io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		if err := e.start(ctx); err != nil {
			return err
		}
	}

	if err := e.search(ctx, work, out); err != nil {
		if errors.Is(err, ErrExited) {
			e.reset()
		}
		return err
	}
	return nil
}

func (e *Engine) search(ctx context.Context, work engine.Work, out io.Writer) error {
	setup := []string{
		fmt.Sprintf("setoption name Threads value %d", work.Threads),
		fmt.Sprintf("setoption name Hash value %d", work.Hash),
		fmt.Sprintf("setoption name MultiPV value %d", work.MultiPV),
	}
	if work.Variant != "" && work.Variant != engine.VariantChess {
		setup = append(setup, fmt.Sprintf("setoption name UCI_Variant value %s", work.Variant))
	}
	for _, cmd := range setup {
		if err := e.send(cmd); err != nil {
			return err
		}
	}
	if err := e.isReady(ctx); err != nil {
		return err
	}

	if err := e.send(positionCommand(work)); err != nil {
		return err
	}
	goCmd := fmt.Sprintf("go depth %d", e.depth)
	if work.Infinite {
		goCmd = "go infinite"
	}
	if err := e.send(goCmd); err != nil {
		return err
	}

	for {
		line, err := e.recv(ctx)
		if err != nil {
			if errors.Is(err, ErrExited) {
				return err
			}
			return e.stop(err)
		}
		if _, err := io.WriteString(out, line+"\n"); err != nil {
			return e.stop(err)
		}
		if strings.HasPrefix(line, "bestmove") {
			return nil
		}
	}
}

func positionCommand(work engine.Work) string {
	cmd := "position fen " + work.InitialFen
	if len(work.Moves) > 0 {
		cmd += " moves " + strings.Join(work.Moves, " ")
	}
	return cmd
}

// stop interrupts the running search and waits for its bestmove so the
// engine is idle for the next job. cause is returned.
func (e *Engine) stop(cause error) error {
	if err := e.send("stop"); err != nil {
		e.reset()
		return cause
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for {
		line, err := e.recv(ctx)
		if err != nil {
			e.reset()
			return cause
		}
		if strings.HasPrefix(line, "bestmove") {
			return cause
		}
	}
}

func (e *Engine) start(ctx context.Context) error {
	log := clog.FromContext(ctx)

	cmd := exec.Command("sh", "-c", e.command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting engine %q: %w", e.command, err)
	}
	log.Infof("Started engine %q (pid %d)", e.command, cmd.Process.Pid)

	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(stdout)
		for s.Scan() {
			if line := strings.TrimSpace(s.Text()); line != "" {
				lines <- line
			}
		}
	}()

	e.cmd, e.stdin, e.lines = cmd, stdin, lines

	if err := e.send("uci"); err != nil {
		e.reset()
		return err
	}
	if err := e.await(ctx, "uciok"); err != nil {
		e.reset()
		return fmt.Errorf("uci handshake: %w", err)
	}
	return nil
}

// reset kills the process; the next Analyse starts a new one.
func (e *Engine) reset() {
	if e.cmd == nil {
		return
	}
	_ = e.stdin.Close()
	_ = e.cmd.Process.Kill()
	// Unblock the reader so that Wait can collect the process.
	go func(lines chan string) {
		for range lines {
		}
	}(e.lines)
	_ = e.cmd.Wait()
	e.cmd, e.stdin, e.lines = nil, nil, nil
}

// Close stops the engine process.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		_ = e.send("quit")
		e.reset()
	}
	return nil
}

func (e *Engine) isReady(ctx context.Context) error {
	if err := e.send("isready"); err != nil {
		return err
	}
	return e.await(ctx, "readyok")
}

func (e *Engine) await(ctx context.Context, want string) error {
	for {
		line, err := e.recv(ctx)
		if err != nil {
			return err
		}
		if line == want {
			return nil
		}
	}
}

func (e *Engine) send(cmd string) error {
	if _, err := io.WriteString(e.stdin, cmd+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrExited, err)
	}
	return nil
}

func (e *Engine) recv(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-e.lines:
		if !ok {
			return "", ErrExited
		}
		return line, nil
	}
}
