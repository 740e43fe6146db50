// SPDX-License-Identifier: MIT

package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
	"github.com/ansible-community/ansible-compat-go/internal/procgroup"
)

var (
	execTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_compat_exec_total",
		Help: "Total number of spawned ansible subprocesses",
	}, []string{"result"})

	execRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ansible_compat_exec_retry_total",
		Help: "Total number of retried subprocess failures",
	})
)

type execOpts struct {
	retry bool
	tee   bool
	env   map[string]string
	cwd   string
}

// ExecOption adjusts a single Exec invocation.
type ExecOption func(*execOpts)

// WithRetry retries failed network operations up to the runtime's
// configured maximum.
func WithRetry() ExecOption {
	return func(o *execOpts) { o.retry = true }
}

// WithTee streams captured stdout/stderr to the parent process while
// still recording it.
func WithTee() ExecOption {
	return func(o *execOpts) { o.tee = true }
}

// WithEnv replaces the runtime environment for this invocation.
func WithEnv(env map[string]string) ExecOption {
	return func(o *execOpts) { o.env = env }
}

// WithCwd sets the working directory for this invocation.
func WithCwd(dir string) ExecOption {
	return func(o *execOpts) { o.cwd = dir }
}

// execFunc runs one subprocess. Swapped out in tests.
type execFunc func(ctx context.Context, args []string, env map[string]string, cwd string, tee bool) (*ansiblecompat.Proc, error)

// Exec executes a command inside the prepared ansible environment and
// returns its outcome. A non-zero exit is not an error; spawn failures are.
func (r *Runtime) Exec(ctx context.Context, args []string, opts ...ExecOption) (*ansiblecompat.Proc, error) {
	var o execOpts
	for _, opt := range opts {
		opt(&o)
	}

	env := r.environ
	if o.env != nil {
		env = o.env
	}
	env = copyEnv(env)
	// Debug output on stdout would break JSON parsing of galaxy results.
	env["ANSIBLE_DEBUG"] = "0"
	env["ANSIBLE_VERBOSE_TO_STDERR"] = "True"

	attempts := 1
	if o.retry {
		attempts = r.maxRetries + 1
	}

	var proc *ansiblecompat.Proc
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		proc, err = r.execFn(ctx, args, env, o.cwd, o.tee)
		if err != nil {
			execTotal.WithLabelValues("spawn_error").Inc()
			return nil, err
		}
		if proc.Success() {
			execTotal.WithLabelValues("ok").Inc()
			return proc, nil
		}
		execTotal.WithLabelValues("failed").Inc()
		r.logger.Debug().Strs("env", sortedEnv(env)).Msg("subprocess environment")
		if o.retry && attempt < attempts-1 {
			execRetryTotal.Inc()
			r.logger.Warn().
				Int("exit_code", proc.ExitCode).
				Str("command", strings.Join(args, " ")).
				Msg("retrying execution failure")
		}
	}
	return proc, nil
}

// runProcess is the default execFunc. The child gets its own process group
// and the whole group is reaped when ctx is cancelled.
func runProcess(ctx context.Context, args []string, env map[string]string, cwd string, tee bool) (*ansiblecompat.Proc, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec G204
	cmd.Dir = cwd
	cmd.Env = flattenEnv(env)
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.KillGroup(cmd.Process.Pid, 2*time.Second, 5*time.Second)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdoutDst, stderrDst io.Writer = &stdoutBuf, &stderrBuf
	if tee {
		stdoutDst = io.MultiWriter(os.Stdout, &stdoutBuf)
		stderrDst = io.MultiWriter(os.Stderr, &stderrBuf)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// Drain both pipes before Wait so no output is lost.
	var ioWg sync.WaitGroup
	ioWg.Add(2)
	go func() {
		defer ioWg.Done()
		_, _ = io.Copy(stdoutDst, stdout)
	}()
	go func() {
		defer ioWg.Done()
		_, _ = io.Copy(stderrDst, stderr)
	}()
	ioWg.Wait()

	waitErr := cmd.Wait()
	code := 0
	if waitErr != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return nil, waitErr
		}
	}

	return &ansiblecompat.Proc{
		Args:     append([]string(nil), args...),
		ExitCode: code,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}, nil
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func sortedEnv(env map[string]string) []string {
	out := flattenEnv(env)
	sort.Strings(out)
	return out
}

// EnvironFromSlice converts os.Environ() style entries into a map.
func EnvironFromSlice(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		if i := strings.IndexByte(entry, '='); i >= 0 {
			out[entry[:i]] = entry[i+1:]
		}
	}
	return out
}
