// SPDX-License-Identifier: MIT

// Package runtime manages an Ansible runtime environment: version
// detection and gating, environment preparation and galaxy content
// installation, always by shelling out to the ansible tooling itself.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/rs/zerolog"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
	"github.com/ansible-community/ansible-compat-go/config"
	"github.com/ansible-community/ansible-compat-go/internal/log"
	"github.com/ansible-community/ansible-compat-go/prerun"
)

// Collection describes one installed Ansible collection.
type Collection struct {
	Name    string
	Version string
	Path    string
}

// Runtime manages a single Ansible environment rooted at a project
// directory. It is not safe for concurrent use.
type Runtime struct {
	// ProjectDir is the directory containing the Ansible project.
	ProjectDir string
	// Isolated indicates installs go to a per-project cache directory
	// instead of the user-level ansible locations.
	Isolated bool
	// CacheDir is set when Isolated is enabled.
	CacheDir string
	// Config holds the effective ansible configuration.
	Config *config.AnsibleConfig
	// Plugins gives access to the installed plugin inventory.
	Plugins *Plugins

	maxRetries  int
	environ     map[string]string
	version     *goversion.Version
	collections []Collection

	execFn execFunc
	logger zerolog.Logger
}

type options struct {
	isolated           bool
	minRequiredVersion string
	maxRetries         int
	environ            map[string]string
	requireTools       bool
	configDump         config.DumpFunc
	execFn             execFunc
}

// Option configures a Runtime at construction time.
type Option func(*options)

// WithIsolated makes collection and role installs use a unique per-project
// cache directory so they never affect the user's Ansible installation.
func WithIsolated() Option {
	return func(o *options) { o.isolated = true }
}

// WithMinRequiredVersion fails construction when the detected ansible
// version is older than the given one.
func WithMinRequiredVersion(v string) Option {
	return func(o *options) { o.minRequiredVersion = v }
}

// WithMaxRetries sets how many times network operations are retried.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithEnviron replaces the inherited process environment.
func WithEnviron(env map[string]string) Option {
	return func(o *options) { o.environ = env }
}

// WithRequireTools fails construction when the ansible CLI and
// ansible-config report different versions, which indicates a broken
// execution environment.
func WithRequireTools() Option {
	return func(o *options) { o.requireTools = true }
}

// WithConfigDump overrides how the ansible configuration is obtained.
func WithConfigDump(dump config.DumpFunc) Option {
	return func(o *options) { o.configDump = dump }
}

// withExecFunc swaps the subprocess executor. Test hook.
func withExecFunc(fn execFunc) Option {
	return func(o *options) { o.execFn = fn }
}

// New initializes an Ansible runtime environment for the given project
// directory. An empty projectDir means the current working directory.
func New(ctx context.Context, projectDir string, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		projectDir = cwd
	}

	environ := o.environ
	if environ == nil {
		environ = EnvironFromSlice(os.Environ())
	} else {
		environ = copyEnv(environ)
	}

	r := &Runtime{
		ProjectDir: projectDir,
		Isolated:   o.isolated,
		maxRetries: o.maxRetries,
		environ:    environ,
		execFn:     o.execFn,
		logger:     log.WithComponent("runtime"),
	}
	if r.execFn == nil {
		r.execFn = runProcess
	}
	r.Plugins = newPlugins(r)

	if o.isolated {
		dir, err := prerun.CacheDir(projectDir)
		if err != nil {
			return nil, err
		}
		r.CacheDir = dir
	}

	dump := o.configDump
	if dump == nil {
		dump = r.configDump
	}
	r.Config = config.NewAnsibleConfig(ctx, dump)

	if o.minRequiredVersion != "" {
		ok, err := r.VersionInRange(ctx, o.minRequiredVersion, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			v, _ := r.Version(ctx)
			return nil, ansiblecompat.NewError(fmt.Sprintf(
				"Found incompatible version of ansible runtime %s, instead of %s or newer.",
				v, o.minRequiredVersion))
		}
	}
	if o.requireTools {
		if err := r.EnsureToolsConsistent(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// configDump obtains `ansible-config dump` output through the runtime
// environment, so env overrides apply to it as well.
func (r *Runtime) configDump(ctx context.Context) (string, error) {
	proc, err := r.Exec(ctx, []string{"ansible-config", "dump"})
	if err != nil {
		return "", err
	}
	if !proc.Success() {
		return "", &ansiblecompat.CommandError{Proc: proc}
	}
	return proc.Stdout, nil
}

// Environ exposes a copy of the runtime environment.
func (r *Runtime) Environ() map[string]string {
	return copyEnv(r.environ)
}

// Setenv overrides one variable in the runtime environment.
func (r *Runtime) Setenv(name, value string) {
	r.environ[name] = value
}

// Getenv reads one variable from the runtime environment.
func (r *Runtime) Getenv(name string) (string, bool) {
	v, ok := r.environ[name]
	return v, ok
}

// Version returns the detected ansible version, cached after the first
// call.
func (r *Runtime) Version(ctx context.Context) (*goversion.Version, error) {
	if r.version != nil {
		return r.version, nil
	}
	proc, err := r.Exec(ctx, []string{"ansible", "--version"})
	if err != nil || !proc.Success() {
		return nil, &ansiblecompat.MissingAnsibleError{
			Msg:  "Unable to find a working copy of ansible executable.",
			Proc: proc,
		}
	}
	v, err := config.ParseAnsibleVersion(proc.Stdout)
	if err != nil {
		return nil, err
	}
	r.version = v
	return v, nil
}

// VersionInRange checks whether the ansible version is inside a required
// range. The lower limit is inclusive and the upper one exclusive; empty
// limits are open.
func (r *Runtime) VersionInRange(ctx context.Context, lower, upper string) (bool, error) {
	current, err := r.Version(ctx)
	if err != nil {
		return false, err
	}
	if lower != "" {
		lo, err := goversion.NewVersion(lower)
		if err != nil {
			return false, fmt.Errorf("invalid lower bound %q: %w", lower, err)
		}
		if current.LessThan(lo) {
			return false, nil
		}
	}
	if upper != "" {
		hi, err := goversion.NewVersion(upper)
		if err != nil {
			return false, fmt.Errorf("invalid upper bound %q: %w", upper, err)
		}
		if current.GreaterThanOrEqual(hi) {
			return false, nil
		}
	}
	return true, nil
}

// EnsureToolsConsistent verifies that ansible and ansible-config report
// the same version. A mismatch means the environment mixes installations.
func (r *Runtime) EnsureToolsConsistent(ctx context.Context) error {
	cli, err := r.Version(ctx)
	if err != nil {
		return err
	}
	proc, err := r.Exec(ctx, []string{"ansible-config", "--version"})
	if err != nil || !proc.Success() {
		return &ansiblecompat.MissingAnsibleError{
			Msg:  "Unable to find a working copy of ansible-config executable.",
			Proc: proc,
		}
	}
	cfgVer, err := config.ParseAnsibleVersion(proc.Stdout)
	if err != nil {
		return err
	}
	if !cli.Equal(cfgVer) {
		return ansiblecompat.NewError(fmt.Sprintf(
			"Ansible CLI (%s) and ansible-config (%s) versions do not match. This indicates a broken execution environment.",
			cli, cfgVer))
	}
	return nil
}

// Collections returns the inventory loaded by LoadCollections.
func (r *Runtime) Collections() []Collection {
	return r.collections
}

// Clean removes the content of the cache directory. Safe to call when no
// cache directory exists.
func (r *Runtime) Clean() {
	if r.CacheDir != "" {
		_ = os.RemoveAll(r.CacheDir)
	}
}

// collectionsPathEnvVar resolves the env var name controlling collection
// paths. Falls back to the modern name when the version is unknown.
func (r *Runtime) collectionsPathEnvVar(ctx context.Context) string {
	v, err := r.Version(ctx)
	if err != nil {
		v = nil
	}
	return config.CollectionsPathEnvVar(r.environ, v)
}

// updateEnv prepends values to a colon separated environment variable.
// Empty value lists leave the environment untouched and the variable is
// only written when the result differs.
func (r *Runtime) updateEnv(name string, values []string) {
	if len(values) == 0 {
		return
	}
	merged := append([]string(nil), values...)
	if orig := r.environ[name]; orig != "" {
		merged = append(merged, strings.Split(orig, ":")...)
	}
	joined := strings.Join(merged, ":")
	if joined != r.environ[name] {
		r.environ[name] = joined
		r.logger.Info().Str("name", name).Str("value", joined).Msg("environment variable set")
	}
}

// prepareAnsiblePaths points the ANSIBLE_LIBRARY, ANSIBLE_ROLES_PATH and
// collections path variables at project-local and cache locations.
func (r *Runtime) prepareAnsiblePaths(ctx context.Context) error {
	if r.Config == nil {
		return ansiblecompat.NewError("Unexpected ansible configuration")
	}
	libraryPaths := append([]string(nil), r.Config.DefaultModulePath...)
	rolesPath := append([]string(nil), r.Config.DefaultRolesPath...)
	collectionsPath := append([]string(nil), r.Config.CollectionsPaths...)

	origLibrary := strings.Join(libraryPaths, ":")
	origRoles := strings.Join(rolesPath, ":")
	origCollections := strings.Join(collectionsPath, ":")

	type alteration struct {
		list          *[]string
		path          string
		mustBePresent bool
	}
	alterations := []alteration{
		{&libraryPaths, filepath.Join(r.ProjectDir, "plugins", "modules"), true},
		{&rolesPath, filepath.Join(r.ProjectDir, "roles"), true},
	}
	if r.Isolated {
		alterations = append(alterations,
			alteration{&rolesPath, filepath.Join(r.CacheDir, "roles"), false},
			alteration{&libraryPaths, filepath.Join(r.CacheDir, "modules"), false},
			alteration{&collectionsPath, filepath.Join(r.CacheDir, "collections"), false},
		)
	}

	for _, alt := range alterations {
		if _, err := os.Stat(alt.path); err != nil {
			if alt.mustBePresent {
				continue
			}
			if err := os.MkdirAll(alt.path, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", alt.path, err)
			}
		}
		if !contains(*alt.list, alt.path) {
			*alt.list = append([]string{alt.path}, *alt.list...)
		}
	}

	if strings.Join(libraryPaths, ":") != origLibrary {
		r.updateEnv("ANSIBLE_LIBRARY", libraryPaths)
	}
	if strings.Join(collectionsPath, ":") != origCollections {
		r.updateEnv(r.collectionsPathEnvVar(ctx), collectionsPath)
	}
	if strings.Join(rolesPath, ":") != origRoles {
		r.updateEnv("ANSIBLE_ROLES_PATH", rolesPath)
	}
	return nil
}

// rolesPath returns where roles get installed: the cache when isolated,
// otherwise the first configured roles directory.
func (r *Runtime) rolesPath() string {
	if r.CacheDir != "" {
		return filepath.Join(r.CacheDir, "roles")
	}
	return config.ExpandUser(r.Config.DefaultRolesPath[0])
}

func contains(list []string, item string) bool {
	for _, entry := range list {
		if entry == item {
			return true
		}
	}
	return false
}
