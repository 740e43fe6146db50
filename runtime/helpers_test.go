// SPDX-License-Identifier: MIT
package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
)

const fakeVersionOutput = "ansible [core 2.14.3]\n  config file = None\n"

const fakeConfigDump = `COLLECTIONS_PATHS(default) = ['/tmp/fake/.ansible/collections', '/usr/share/ansible/collections']
COLLECTIONS_SCAN_SYS_PATH(default) = True
DEFAULT_MODULE_PATH(default) = ['/tmp/fake/.ansible/plugins/modules']
DEFAULT_ROLES_PATH(default) = ['/tmp/fake/.ansible/roles']
`

type execCall struct {
	args []string
	env  map[string]string
	cwd  string
	tee  bool
}

// fakeExec scripts subprocess outcomes per command prefix and records
// every spawn.
type fakeExec struct {
	mu       sync.Mutex
	calls    []execCall
	handlers []func(args []string, env map[string]string) (*ansiblecompat.Proc, error)
}

func (f *fakeExec) on(prefix string, handler func(args []string, env map[string]string) (*ansiblecompat.Proc, error)) {
	f.handlers = append(f.handlers, func(args []string, env map[string]string) (*ansiblecompat.Proc, error) {
		if !strings.HasPrefix(strings.Join(args, " "), prefix) {
			return nil, nil
		}
		return handler(args, env)
	})
}

// onSuccess scripts a zero exit with the given stdout.
func (f *fakeExec) onSuccess(prefix, stdout string) {
	f.on(prefix, func(args []string, _ map[string]string) (*ansiblecompat.Proc, error) {
		return okProc(args, stdout), nil
	})
}

// onFailure scripts a non-zero exit.
func (f *fakeExec) onFailure(prefix string, code int, stdout, stderr string) {
	f.on(prefix, func(args []string, _ map[string]string) (*ansiblecompat.Proc, error) {
		return &ansiblecompat.Proc{Args: args, ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
	})
}

func (f *fakeExec) fn(_ context.Context, args []string, env map[string]string, cwd string, tee bool) (*ansiblecompat.Proc, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{args: args, env: env, cwd: cwd, tee: tee})
	handlers := f.handlers
	f.mu.Unlock()

	for _, handler := range handlers {
		proc, err := handler(args, env)
		if proc != nil || err != nil {
			return proc, err
		}
	}
	return okProc(args, ""), nil
}

// commands returns the joined argv of every recorded call.
func (f *fakeExec) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c.args, " ")
	}
	return out
}

func (f *fakeExec) lastEnv() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1].env
}

func okProc(args []string, stdout string) *ansiblecompat.Proc {
	return &ansiblecompat.Proc{Args: args, ExitCode: 0, Stdout: stdout}
}

// newTestRuntime builds a Runtime wired to a fake executor with a canned
// ansible version and configuration.
func newTestRuntime(t *testing.T, fake *fakeExec, opts ...Option) *Runtime {
	t.Helper()
	fake.onSuccess("ansible --version", fakeVersionOutput)

	all := append([]Option{
		withExecFunc(fake.fn),
		WithEnviron(map[string]string{"PATH": "/usr/bin"}),
		WithConfigDump(func(context.Context) (string, error) {
			return fakeConfigDump, nil
		}),
	}, opts...)

	r, err := New(context.Background(), t.TempDir(), all...)
	require.NoError(t, err)
	return r
}

func hasCommandPrefix(commands []string, prefix string) bool {
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}
