// SPDX-License-Identifier: MIT
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
)

// newGalaxyRuntime points the collection paths at a temp directory so
// install checks can create MANIFEST.json fixtures under it.
func newGalaxyRuntime(t *testing.T, fake *fakeExec, colBase string, opts ...Option) *Runtime {
	t.Helper()
	dump := fmt.Sprintf(`COLLECTIONS_PATHS(default) = ['%s']
COLLECTIONS_SCAN_SYS_PATH(default) = True
DEFAULT_MODULE_PATH(default) = ['%s']
DEFAULT_ROLES_PATH(default) = ['%s']
`, colBase, filepath.Join(colBase, "modules"), filepath.Join(colBase, "roles"))

	all := append([]Option{WithConfigDump(func(context.Context) (string, error) {
		return dump, nil
	})}, opts...)
	return newTestRuntime(t, fake, all...)
}

func writeManifest(t *testing.T, base, name, version string) string {
	t.Helper()
	ns, coll, _ := strings.Cut(name, ".")
	dir := filepath.Join(base, "ansible_collections", ns, coll)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := map[string]any{"collection_info": map[string]any{"version": version}}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST.json"), raw, 0o644))
	return dir
}

func TestInstallCollectionCommand(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)

	require.NoError(t, r.InstallCollection(context.Background(), "community.molecule:>=0.1.0"))

	assert.True(t, hasCommandPrefix(fake.commands(),
		"ansible-galaxy collection install -vvv community.molecule:>=0.1.0"))
	env := fake.lastEnv()
	assert.Equal(t, strings.Join(r.Config.CollectionsPaths, ":"), env["ANSIBLE_COLLECTIONS_PATH"])
}

func TestInstallCollectionPrerelease(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)

	require.NoError(t, r.InstallCollection(context.Background(), "containers.podman:>=1.0rc1"))

	assert.True(t, hasCommandPrefix(fake.commands(),
		"ansible-galaxy collection install -vvv --pre containers.podman:>=1.0rc1"),
		"prerelease ranges need --pre, got %v", fake.commands())
}

func TestInstallCollectionDestination(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	dest := t.TempDir()

	require.NoError(t, r.InstallCollection(context.Background(), "community.general", WithDestination(dest)))

	env := fake.lastEnv()
	assert.True(t, strings.HasPrefix(env["ANSIBLE_COLLECTIONS_PATH"], dest+":"),
		"destination must be prepended to the collection paths, got %q", env["ANSIBLE_COLLECTIONS_PATH"])
	for _, cmd := range fake.commands() {
		assert.NotContains(t, cmd, " -p ", "install must never use -p")
	}
}

func TestInstallCollectionFailure(t *testing.T) {
	fake := &fakeExec{}
	fake.onFailure("ansible-galaxy collection install", 1, "", "no such collection")
	r := newTestRuntime(t, fake)

	err := r.InstallCollection(context.Background(), "missing.collection")
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "Command returned 1 code")
}

func TestInstallCollectionFromDiskModern(t *testing.T) {
	// 2.14 installs source trees directly, no build step.
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	src := t.TempDir()

	require.NoError(t, r.InstallCollectionFromDisk(context.Background(), src, ""))

	assert.False(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection build"))
	assert.True(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection install -vvv --force "+src))
}

func TestInstallRequirementsMissingFileIsNoop(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	before := len(fake.commands())

	require.NoError(t, r.InstallRequirements(context.Background(),
		filepath.Join(t.TempDir(), "requirements.yml"), false, false))
	assert.Len(t, fake.commands(), before)
}

func TestInstallRequirementsInvalidShape(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	reqFile := filepath.Join(t.TempDir(), "requirements.yml")
	require.NoError(t, os.WriteFile(reqFile, []byte("foo: bar\n"), 0o644))

	err := r.InstallRequirements(context.Background(), reqFile, false, false)
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "Only 'roles' and 'collections' keys are allowed at root level.")
}

func TestInstallRequirementsV1RoleList(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	reqFile := filepath.Join(t.TempDir(), "requirements.yml")
	require.NoError(t, os.WriteFile(reqFile, []byte("- src: geerlingguy.mysql\n"), 0o644))

	require.NoError(t, r.InstallRequirements(context.Background(), reqFile, false, false))

	assert.True(t, hasCommandPrefix(fake.commands(), "ansible-galaxy role install -vr "+reqFile))
	assert.False(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection install"))
}

func TestInstallRequirementsV2(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	reqFile := filepath.Join(t.TempDir(), "requirements.yml")
	content := `roles:
  - name: geerlingguy.mysql
collections:
  - community.general
`
	require.NoError(t, os.WriteFile(reqFile, []byte(content), 0o644))

	require.NoError(t, r.InstallRequirements(context.Background(), reqFile, false, false))

	assert.True(t, hasCommandPrefix(fake.commands(), "ansible-galaxy role install -vr "+reqFile))
	assert.True(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection install -v -r "+reqFile))
}

func TestInstallRequirementsGitCollectionAddsPre(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	reqFile := filepath.Join(t.TempDir(), "requirements.yml")
	content := `collections:
  - name: https://github.com/ansible-collections/ansible.posix.git
    type: git
    version: main
`
	require.NoError(t, os.WriteFile(reqFile, []byte(content), 0o644))

	require.NoError(t, r.InstallRequirements(context.Background(), reqFile, false, false))

	assert.True(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection install -v --pre -r "+reqFile),
		"git sourced collections need --pre, got %v", fake.commands())
}

func TestInstallRequirementsOffline(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	reqFile := filepath.Join(t.TempDir(), "requirements.yml")
	content := `roles:
  - name: geerlingguy.mysql
collections:
  - community.general
`
	require.NoError(t, os.WriteFile(reqFile, []byte(content), 0o644))

	require.NoError(t, r.InstallRequirements(context.Background(), reqFile, false, true))

	assert.False(t, hasCommandPrefix(fake.commands(), "ansible-galaxy role install"))
	assert.False(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection install"))
}

func TestInstallRequirementsCommandError(t *testing.T) {
	fake := &fakeExec{}
	fake.onFailure("ansible-galaxy role install", 1, "boom", "")
	r := newTestRuntime(t, fake)
	reqFile := filepath.Join(t.TempDir(), "requirements.yml")
	require.NoError(t, os.WriteFile(reqFile, []byte("- src: geerlingguy.mysql\n"), 0o644))

	err := r.InstallRequirements(context.Background(), reqFile, false, false)
	var cmdErr *ansiblecompat.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, ansiblecompat.AnsibleFailureRC, ansiblecompat.ReturnCode(err))
}

func TestRequireCollectionInvalidName(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)

	_, _, err := r.RequireCollection(context.Background(), "that_is_invalid", "", false)
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "Invalid collection name supplied: that_is_invalid")
}

func TestRequireCollectionSatisfied(t *testing.T) {
	base := t.TempDir()
	collDir := writeManifest(t, base, "community.molecule", "0.1.0")
	fake := &fakeExec{}
	r := newGalaxyRuntime(t, fake, base)

	found, path, err := r.RequireCollection(context.Background(), "community.molecule", "0.1.0", false)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", found.String())
	assert.Equal(t, collDir, path)
}

func TestRequireCollectionMissingManifest(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "ansible_collections", "community", "molecule")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	fake := &fakeExec{}
	r := newGalaxyRuntime(t, fake, base)

	_, _, err := r.RequireCollection(context.Background(), "community.molecule", "", false)
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "missing MANIFEST.json")
}

func TestRequireCollectionTooOldNoInstall(t *testing.T) {
	base := t.TempDir()
	writeManifest(t, base, "community.molecule", "0.1.0")
	fake := &fakeExec{}
	r := newGalaxyRuntime(t, fake, base)

	_, _, err := r.RequireCollection(context.Background(), "community.molecule", "9999.9.9", false)
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "but 9999.9.9 or newer is required.")
}

func TestRequireCollectionInstallsThenRechecks(t *testing.T) {
	base := t.TempDir()
	writeManifest(t, base, "community.molecule", "0.1.0")
	fake := &fakeExec{}
	// The scripted install upgrades the on-disk manifest, like galaxy would.
	fake.on("ansible-galaxy collection install", func(args []string, _ map[string]string) (*ansiblecompat.Proc, error) {
		writeManifest(t, base, "community.molecule", "2.0.0")
		return okProc(args, ""), nil
	})
	r := newGalaxyRuntime(t, fake, base)

	found, _, err := r.RequireCollection(context.Background(), "community.molecule", "2.0.0", true)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", found.String())
	assert.True(t, hasCommandPrefix(fake.commands(),
		"ansible-galaxy collection install -vvv community.molecule:>=2.0.0"))
}

func TestRequireCollectionNotFoundNoInstall(t *testing.T) {
	fake := &fakeExec{}
	r := newGalaxyRuntime(t, fake, t.TempDir())

	_, _, err := r.RequireCollection(context.Background(), "community.missing", "", false)
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "Collection 'community.missing' not found in")
}

func TestLoadCollectionsKeepsOrder(t *testing.T) {
	out := `{
  "/home/user/.ansible/collections/ansible_collections": {
    "community.general": {"version": "7.0.1"},
    "ansible.posix": {"version": "1.5.4"}
  },
  "/usr/share/ansible/collections/ansible_collections": {
    "community.general": {"version": "6.0.0"}
  }
}`
	fake := &fakeExec{}
	fake.onSuccess("ansible-galaxy collection list", out)
	r := newTestRuntime(t, fake)

	require.NoError(t, r.LoadCollections(context.Background()))

	want := []Collection{
		{Name: "community.general", Version: "7.0.1", Path: "/home/user/.ansible/collections/ansible_collections"},
		{Name: "ansible.posix", Version: "1.5.4", Path: "/home/user/.ansible/collections/ansible_collections"},
		{Name: "community.general", Version: "6.0.0", Path: "/usr/share/ansible/collections/ansible_collections"},
	}
	if diff := cmp.Diff(want, r.Collections()); diff != "" {
		t.Errorf("collection inventory mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadCollectionsNoneUsable(t *testing.T) {
	fake := &fakeExec{}
	fake.onFailure("ansible-galaxy collection list",
		ansiblecompat.RCAnsibleOptionsError, "", "None of the provided paths were usable")
	r := newTestRuntime(t, fake)

	require.NoError(t, r.LoadCollections(context.Background()))
	assert.Empty(t, r.Collections())
}

func TestLoadCollectionsBadJSON(t *testing.T) {
	fake := &fakeExec{}
	fake.onSuccess("ansible-galaxy collection list", "[]")
	r := newTestRuntime(t, fake)

	err := r.LoadCollections(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unexpected collection data")
}

func writeRoleMeta(t *testing.T, projectDir string, galaxyInfo string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "meta"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(projectDir, "meta", "main.yml"), []byte(galaxyInfo), 0o644))
}

func TestInstallGalaxyRoleSymlink(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	fake := &fakeExec{}
	r := newTestRuntime(t, fake, WithIsolated())
	writeRoleMeta(t, r.ProjectDir, "galaxy_info:\n  namespace: acme\n  role_name: sample\n")

	require.NoError(t, r.installGalaxyRole(r.ProjectDir, 0, false))

	link := filepath.Join(r.CacheDir, "roles", "acme.sample")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	abs, _ := filepath.Abs(r.ProjectDir)
	assert.Equal(t, abs, target)
}

func TestInstallGalaxyRoleInvalidNameFails(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	fake := &fakeExec{}
	r := newTestRuntime(t, fake, WithIsolated())
	writeRoleMeta(t, r.ProjectDir, "galaxy_info:\n  namespace: acme\n  role_name: sample-role\n")

	err := r.installGalaxyRole(r.ProjectDir, 0, false)
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "role acme.sample-role does not follow current galaxy requirements")
}

func TestInstallGalaxyRoleInvalidNameWarns(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	fake := &fakeExec{}
	r := newTestRuntime(t, fake, WithIsolated())
	writeRoleMeta(t, r.ProjectDir, "galaxy_info:\n  namespace: acme\n  role_name: sample-role\n")

	require.NoError(t, r.installGalaxyRole(r.ProjectDir, 1, false))
	assert.FileExists(t, filepath.Join(r.CacheDir, "roles", "acme.sample-role"))
}

func TestInstallGalaxyRoleBypassUsesDirname(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	fake := &fakeExec{}
	r := newTestRuntime(t, fake, WithIsolated())
	writeRoleMeta(t, r.ProjectDir, "galaxy_info: {}\n")

	require.NoError(t, r.installGalaxyRole(r.ProjectDir, 2, false))

	abs, _ := filepath.Abs(r.ProjectDir)
	assert.FileExists(t, filepath.Join(r.CacheDir, "roles", filepath.Base(abs)))
}

func TestInstallGalaxyRoleMissingMeta(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)

	require.NoError(t, r.installGalaxyRole(r.ProjectDir, 0, true), "ignoreErrors skips")

	err := r.installGalaxyRole(r.ProjectDir, 0, false)
	var invalid *ansiblecompat.InvalidPrerequisiteError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "missing a meta/main.yml file")
}

func TestRoleFQRN(t *testing.T) {
	tests := []struct {
		name       string
		galaxyInfo map[string]any
		dir        string
		want       string
	}{
		{"namespace and role_name", map[string]any{"namespace": "acme", "role_name": "sample"}, "ignored", "acme.sample"},
		{"author as namespace", map[string]any{"author": "acme", "role_name": "sample"}, "ignored", "acme.sample"},
		{"author with spaces is no namespace", map[string]any{"author": "John Doe"}, "some-role", "some-role"},
		{"prefix stripped from dirname", map[string]any{"namespace": "acme"}, "ansible-sample", "acme.sample"},
		{"dotted dirname keeps last part", map[string]any{}, "acme.sample", "sample"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), tt.dir)
			require.NoError(t, os.Mkdir(dir, 0o755))
			got, err := roleFQRN(tt.galaxyInfo, dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGalaxyRoleNamespaceNotString(t *testing.T) {
	_, err := galaxyRoleNamespace(map[string]any{"namespace": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Role namespace must be string, not 42")
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("git+https://github.com/ansible-collections/ansible.posix.git"))
	assert.True(t, IsURL("git@github.com:ansible-collections/ansible.posix.git"))
	assert.False(t, IsURL("community.general"))
}

func TestPrepareEnvironmentInstallsRequirements(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)
	content := "collections:\n  - community.general\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(r.ProjectDir, "requirements.yml"), []byte(content), 0o644))
	fake.onSuccess("ansible-galaxy collection list", "{}")

	require.NoError(t, r.PrepareEnvironment(context.Background(), PrepareOptions{InstallLocal: true}))

	assert.True(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection install -v -r"))
	assert.True(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection list --format=json"))
}

func TestPrepareEnvironmentRequiredCollections(t *testing.T) {
	fake := &fakeExec{}
	fake.onSuccess("ansible-galaxy collection list", "{}")
	r := newTestRuntime(t, fake)

	opts := PrepareOptions{
		RequiredCollections: map[string]string{"community.molecule": "0.1.0"},
		InstallLocal:        true,
	}
	require.NoError(t, r.PrepareEnvironment(context.Background(), opts))

	assert.True(t, hasCommandPrefix(fake.commands(),
		"ansible-galaxy collection install -vvv community.molecule:>=0.1.0"))
}

func TestPrepareEnvironmentWithoutInstallLocal(t *testing.T) {
	fake := &fakeExec{}
	r := newTestRuntime(t, fake)

	require.NoError(t, r.PrepareEnvironment(context.Background(), PrepareOptions{}))
	assert.False(t, hasCommandPrefix(fake.commands(), "ansible-galaxy collection list"))
}
