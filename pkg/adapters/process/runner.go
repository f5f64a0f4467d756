package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
)

// EnvPrefix prefixes the variables a process receives for each top-level state key.
const EnvPrefix = "STEPGRAPH_ARG_"

// ErrNotRegistered is returned for a process name outside the allow-list.
var ErrNotRegistered = errors.New("process not registered")

// Runner builds steps that execute local processes.
// Only registered commands can run (allow-listing).
type Runner struct {
	registry map[string]RegisteredProcess
	baseDir  string
}

// RegisteredProcess defines an allowed command execution.
type RegisteredProcess struct {
	Command string
	Args    []string
	Env     map[string]string
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from a loaded config.
func WithRegistry(tools map[string]ProcessConfig) RunnerOption {
	return func(r *Runner) {
		for name, tool := range tools {
			r.registry[name] = RegisteredProcess{
				Command: tool.Command,
				Args:    tool.Args,
				Env:     tool.Environment,
			}
		}
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// NewRunner creates a new process runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]RegisteredProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.registry[name] = RegisteredProcess{
		Command: command,
		Args:    args,
	}
}

// Names returns the registered process names, sorted.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Step returns a graph step that runs the named process.
func (r *Runner) Step(name string) (graph.Step, error) {
	proc, ok := r.registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return &Step{name: name, proc: proc, dir: r.baseDir}, nil
}

// Step runs one process per execution.
//
// The state is written to stdin as a JSON object and each top-level key is
// also exported as STEPGRAPH_ARG_<KEY>. Arguments never reach the command
// line, so state values cannot inject flags. Stdout must be empty (no update)
// or a JSON object, which becomes the state update.
type Step struct {
	name string
	proc RegisteredProcess
	dir  string
}

// Run executes the process and parses its output.
func (s *Step) Run(ctx context.Context, state domain.State) (domain.State, error) {
	input, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("process %s: failed to encode state: %w", s.name, err)
	}

	cmd := exec.CommandContext(ctx, s.proc.Command, s.proc.Args...)
	cmd.Dir = s.dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(cmd.Environ(), s.env(state)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("process %s: %w", s.name, ctxErr)
		}
		return nil, fmt.Errorf("process %s failed: %w. Stderr: %s", s.name, err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var update domain.State
	if !bytes.HasPrefix(out, []byte("{")) {
		return nil, fmt.Errorf("process %s: output is not a JSON object", s.name)
	}
	if err := json.Unmarshal(out, &update); err != nil {
		return nil, fmt.Errorf("process %s: invalid JSON output: %w", s.name, err)
	}
	return update, nil
}

func (s *Step) env(state domain.State) []string {
	env := make([]string, 0, len(s.proc.Env)+len(state))
	for k, v := range s.proc.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range state {
		var val string
		switch v.(type) {
		case string, int, int64, float64, bool:
			val = fmt.Sprintf("%v", v)
		case nil:
			val = ""
		default:
			if raw, err := json.Marshal(v); err == nil {
				val = string(raw)
			} else {
				val = fmt.Sprintf("%v", v)
			}
		}
		env = append(env, EnvPrefix+envName(k)+"="+val)
	}
	return env
}

// envName upper-cases k and replaces anything outside [A-Z0-9_] with '_'.
func envName(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, k)
}
