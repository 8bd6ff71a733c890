// Package cmdexec runs a source's traversal as an external command.
//
// The command line is split with shell quoting rules and executed directly
// (no shell). The batch hint and source id are passed in the environment.
// Exit status 0 means the source is exhausted (poll), ExitMoreWork means
// more work is ready right away, anything else is an error. A stdout line of
// the form "units=N" reports how much work was done.
package cmdexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"

	"traversald/internal/traversal"
)

// ExitMoreWork is EX_TEMPFAIL from sysexits.h.
const ExitMoreWork = 75

const (
	EnvSourceID  = "TRAVERSAL_SOURCE"
	EnvBatchHint = "TRAVERSAL_BATCH_HINT"
)

var ErrNoCommand = errors.New("no command configured for source")

// Command is the traversal command of one source.
type Command struct {
	Line    string
	WorkDir string
}

// Engine implements traversal.Factory over a set of per-source commands.
type Engine struct {
	mu   sync.RWMutex
	cmds map[string]Command
}

func New() *Engine {
	return &Engine{cmds: map[string]Command{}}
}

// Set installs or replaces the command for a source. An empty line removes it.
func (e *Engine) Set(sourceID string, c Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.TrimSpace(c.Line) == "" {
		delete(e.cmds, sourceID)
		return
	}
	e.cmds[sourceID] = c
}

func (e *Engine) Remove(sourceID string) {
	e.mu.Lock()
	delete(e.cmds, sourceID)
	e.mu.Unlock()
}

func (e *Engine) NewBatch(sourceID string) (traversal.Batch, error) {
	e.mu.RLock()
	c, ok := e.cmds[sourceID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, sourceID)
	}
	argv, err := shellquote.Split(c.Line)
	if err != nil {
		return nil, fmt.Errorf("source %s: parse command: %w", sourceID, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, sourceID)
	}
	return &batch{sourceID: sourceID, argv: argv, dir: c.WorkDir}, nil
}

type batch struct {
	sourceID string
	argv     []string
	dir      string
}

func (b *batch) Run(ctx context.Context, hint int) traversal.Result {
	cmd := exec.CommandContext(ctx, b.argv[0], b.argv[1:]...)
	cmd.Dir = b.dir
	cmd.Env = append(os.Environ(),
		EnvSourceID+"="+b.sourceID,
		EnvBatchHint+"="+strconv.Itoa(hint),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	units := parseUnits(stdout.Bytes())
	if err == nil {
		return traversal.Poll(units)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitMoreWork {
		return traversal.Immediate(units)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		err = fmt.Errorf("%w: %s", err, lastLine(msg))
	}
	return traversal.Result{Policy: traversal.PolicyError, Units: units, Err: err}
}

func parseUnits(out []byte) int {
	units := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "units=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			units = n
		}
	}
	return units
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
