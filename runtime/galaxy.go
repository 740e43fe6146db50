// SPDX-License-Identifier: MIT

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	goversion "github.com/hashicorp/go-version"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
	"github.com/ansible-community/ansible-compat-go/config"
	"github.com/ansible-community/ansible-compat-go/internal/fsutil"
	"github.com/ansible-community/ansible-compat-go/loaders"
	"github.com/ansible-community/ansible-compat-go/schema"
)

var (
	// Extracts the first version from a collection range specifier such
	// as "foo.bar:>=1.2.3,<2".
	versionSpecRe = regexp.MustCompile(`:[>=<]*([^,]*)`)
	// Fully qualified role names accepted by galaxy.
	roleNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_]+\.[a-z][a-z0-9_]+$`)
	// Leading author-name-with-space heuristic, not a galaxy login.
	authorNameRe = regexp.MustCompile(`^\w+ \w+`)
	rolePrefixRe = regexp.MustCompile(`(ansible-|ansible-role-)`)
)

// IsURL reports whether a dependency name refers to a git URL rather than
// a galaxy collection name.
func IsURL(name string) bool {
	return strings.HasPrefix(name, "git+") || strings.HasPrefix(name, "git@")
}

// InstallOption adjusts collection installation.
type InstallOption func(*installOpts)

type installOpts struct {
	destination string
	force       bool
}

// WithDestination installs into the given directory by injecting it into
// the collection path environment instead of using -p, which would break
// galaxy's ability to skip already installed collections.
func WithDestination(dir string) InstallOption {
	return func(o *installOpts) { o.destination = dir }
}

// WithForce overwrites an existing collection.
func WithForce() InstallOption {
	return func(o *installOpts) { o.force = true }
}

// InstallCollection installs a collection. Accepts galaxy specifiers like
// "foo.bar:>=1.2.3", paths to built archives, and git URLs such as
// "git+https://github.com/ansible-collections/ansible.posix.git,main".
func (r *Runtime) InstallCollection(ctx context.Context, collection string, opts ...InstallOption) error {
	var o installOpts
	for _, opt := range opts {
		opt(&o)
	}

	// -vvv is needed to make ansible display important info in case of failures
	cmd := []string{"ansible-galaxy", "collection", "install", "-vvv"}
	if o.force {
		cmd = append(cmd, "--force")
	}

	// galaxy does not notice on its own that a range needs a pre-release.
	if m := versionSpecRe.FindStringSubmatch(collection); m != nil && !IsURL(collection) {
		if v, err := config.NewCollectionVersion(m[1]); err == nil && config.IsPrerelease(v) {
			cmd = append(cmd, "--pre")
		}
	}

	cpaths := append([]string(nil), r.Config.CollectionsPaths...)
	if o.destination != "" && !contains(cpaths, o.destination) {
		cpaths = append([]string{o.destination}, cpaths...)
	}
	cmd = append(cmd, collection)

	r.logger.Info().Str("command", strings.Join(cmd, " ")).Msg("installing collection")
	env := r.Environ()
	env[r.collectionsPathEnvVar(ctx)] = strings.Join(cpaths, ":")
	proc, err := r.Exec(ctx, cmd, WithRetry(), WithEnv(env))
	if err != nil {
		return err
	}
	if !proc.Success() {
		msg := fmt.Sprintf("Command returned %d code:\n%s\n%s", proc.ExitCode, proc.Stdout, proc.Stderr)
		r.logger.Error().Msg(msg)
		return &ansiblecompat.InvalidPrerequisiteError{Msg: msg}
	}
	return nil
}

// InstallCollectionFromDisk builds and installs a collection from a local
// source tree. Versions older than 2.11 cannot install unbuilt trees, so
// the collection is built into a scratch directory first.
func (r *Runtime) InstallCollectionFromDisk(ctx context.Context, path, destination string) error {
	ok, err := r.VersionInRange(ctx, "", "2.11")
	if err != nil {
		return err
	}
	if !ok {
		opts := []InstallOption{WithForce()}
		if destination != "" {
			opts = append(opts, WithDestination(destination))
		}
		return r.InstallCollection(ctx, path, opts...)
	}

	tmpDir, err := os.MkdirTemp("", "ansible-compat-build-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	cmd := []string{"ansible-galaxy", "collection", "build", "--output-path", tmpDir, path}
	r.logger.Info().Str("command", strings.Join(cmd, " ")).Msg("building collection")
	proc, err := r.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if !proc.Success() {
		r.logger.Error().Str("stdout", proc.Stdout).Msg("collection build failed")
		return &ansiblecompat.CommandError{Proc: proc}
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		opts := []InstallOption{WithForce()}
		if destination != "" {
			opts = append(opts, WithDestination(destination))
		}
		if err := r.InstallCollection(ctx, filepath.Join(tmpDir, entry.Name()), opts...); err != nil {
			return err
		}
	}
	return nil
}

// InstallRequirements installs dependencies from a requirements.yml file.
// A missing file is a no-op. Offline mode skips installation, which may
// leave requirements unmet.
func (r *Runtime) InstallRequirements(ctx context.Context, requirement string, retry, offline bool) error {
	if _, err := os.Stat(requirement); err != nil {
		return nil
	}
	doc, err := loaders.YAMLFromFile(requirement)
	if err != nil {
		return &ansiblecompat.InvalidPrerequisiteError{
			Msg:   fmt.Sprintf("%s file is not a valid Ansible requirements file.", requirement),
			Cause: err,
		}
	}

	reqMap, isMap := doc.(map[string]any)
	_, isList := doc.([]any)
	if !isMap && !isList {
		return &ansiblecompat.InvalidPrerequisiteError{
			Msg: fmt.Sprintf("%s file is not a valid Ansible requirements file.", requirement),
		}
	}
	if isMap {
		for key := range reqMap {
			if key != "roles" && key != "collections" {
				return &ansiblecompat.InvalidPrerequisiteError{
					Msg: fmt.Sprintf(
						"%s file is not a valid Ansible requirements file. Only 'roles' and 'collections' keys are allowed at root level. Recognized valid locations are: %s",
						requirement, strings.Join(ansiblecompat.RequirementLocations, ", ")),
				}
			}
		}
	}
	if findings, err := schema.Validate(schema.Requirements, doc); err == nil && len(findings) > 0 {
		msgs := make([]string, len(findings))
		for i, f := range findings {
			msgs[i] = f.String()
		}
		return &ansiblecompat.InvalidPrerequisiteError{
			Msg: fmt.Sprintf("%s file is not a valid Ansible requirements file:\n%s", requirement, strings.Join(msgs, "\n")),
		}
	}

	if isList || reqMap["roles"] != nil {
		cmd := []string{"ansible-galaxy", "role", "install", "-vr", requirement}
		if r.CacheDir != "" {
			cmd = append(cmd, "--roles-path", filepath.Join(r.CacheDir, "roles"))
		}
		if offline {
			r.logger.Warn().Msg("Skipped installing old role dependencies due to running in offline mode.")
		} else {
			r.logger.Info().Str("command", strings.Join(cmd, " ")).Msg("Running ansible-galaxy role install")
			proc, err := r.Exec(ctx, cmd, retryOpt(retry)...)
			if err != nil {
				return err
			}
			if !proc.Success() {
				r.logger.Error().Str("stdout", proc.Stdout).Msg("role install failed")
				return &ansiblecompat.CommandError{Proc: proc}
			}
		}
	}

	collections, hasCollections := reqMap["collections"]
	if isMap && hasCollections && collections != nil {
		cmd := []string{"ansible-galaxy", "collection", "install", "-v"}
		if entries, ok := collections.([]any); ok {
			for _, entry := range entries {
				if m, ok := entry.(map[string]any); ok && m["type"] == "git" {
					r.logger.Info().Msg("Adding '--pre' to ansible-galaxy collection install because we detected one collection being sourced from git.")
					cmd = append(cmd, "--pre")
					break
				}
			}
		}
		if offline {
			r.logger.Warn().Msg("Skipped installing collection dependencies due to running in offline mode.")
		} else {
			cmd = append(cmd, "-r", requirement)
			cpaths := append([]string(nil), r.Config.CollectionsPaths...)
			if r.CacheDir != "" {
				// -p would break galaxy's ability to skip already installed
				// collections, inject the cache through the env var instead.
				dest := filepath.Join(r.CacheDir, "collections")
				if !contains(cpaths, dest) {
					cpaths = append([]string{dest}, cpaths...)
				}
			}
			env := r.Environ()
			env[r.collectionsPathEnvVar(ctx)] = strings.Join(cpaths, ":")
			r.logger.Info().Str("command", strings.Join(cmd, " ")).Msg("Running ansible-galaxy collection install")
			proc, err := r.Exec(ctx, cmd, append(retryOpt(retry), WithEnv(env))...)
			if err != nil {
				return err
			}
			if !proc.Success() {
				r.logger.Error().Str("stdout", proc.Stdout).Str("stderr", proc.Stderr).Msg("collection install failed")
				return &ansiblecompat.CommandError{Proc: proc}
			}
		}
	}
	return nil
}

// PrepareOptions control PrepareEnvironment.
type PrepareOptions struct {
	// RequiredCollections maps collection names to minimal versions that
	// must be available after preparation.
	RequiredCollections map[string]string
	// Retry network operations on failure.
	Retry bool
	// InstallLocal also installs the project itself (collection or role).
	InstallLocal bool
	// Offline bypasses all installation.
	Offline bool
	// RoleNameCheck selects how strictly role names are validated:
	// 0 error, 1 warn, 2 bypass.
	RoleNameCheck int
}

// PrepareEnvironment makes all dependencies of the project available.
func (r *Runtime) PrepareEnvironment(ctx context.Context, opts PrepareOptions) error {
	for _, reqFile := range ansiblecompat.RequirementLocations {
		if err := r.InstallRequirements(ctx, filepath.Join(r.ProjectDir, reqFile), opts.Retry, opts.Offline); err != nil {
			return err
		}
	}

	if err := r.prepareAnsiblePaths(ctx); err != nil {
		return err
	}

	if !opts.InstallLocal {
		return nil
	}

	var destination string
	if r.CacheDir != "" {
		destination = filepath.Join(r.CacheDir, "collections")
	}

	for _, galaxyPath := range loaders.SearchGalaxyPaths(r.ProjectDir) {
		gf, err := loaders.LoadGalaxyFile(galaxyPath)
		if err != nil {
			continue
		}
		for name, requiredVersion := range gf.Dependencies {
			r.logger.Info().
				Str("collection", name).
				Str("version", requiredVersion).
				Msg("Provisioning collection from galaxy.yml")
			sep := ":"
			if IsURL(name) {
				sep = ","
			}
			if err := r.InstallCollection(ctx, name+sep+requiredVersion, WithDestination(destination)); err != nil {
				return err
			}
		}
	}

	for name, minVersion := range opts.RequiredCollections {
		if err := r.InstallCollection(ctx, name+":>="+minVersion, WithDestination(destination)); err != nil {
			return err
		}
	}

	galaxyFile := filepath.Join(r.ProjectDir, "galaxy.yml")
	parentRoles := filepath.Base(filepath.Dir(r.ProjectDir)) == "roles"
	collectionRoot := filepath.Join(r.ProjectDir, "..", "..")

	switch {
	case fileExists(galaxyFile):
		if destination != "" {
			skip, err := r.pruneSymlinkedCollection(destination)
			if err != nil {
				return err
			}
			if skip {
				return nil
			}
		}
		// molecule scenario within a collection
		if err := r.InstallCollectionFromDisk(ctx, r.ProjectDir, destination); err != nil {
			return err
		}
	case parentRoles && fileExists(filepath.Join(collectionRoot, "galaxy.yml")):
		// molecule scenario located within roles/<role-name>/molecule
		// inside a collection
		if err := r.InstallCollectionFromDisk(ctx, collectionRoot, destination); err != nil {
			return err
		}
	default:
		// no collection, try to recognize and install a standalone role
		if err := r.installGalaxyRole(r.ProjectDir, opts.RoleNameCheck, true); err != nil {
			return err
		}
	}

	return r.LoadCollections(ctx)
}

// pruneSymlinkedCollection checks whether the collection destination is a
// symlink to the project itself (skip install) or a stale link (removed).
func (r *Runtime) pruneSymlinkedCollection(destination string) (skip bool, err error) {
	colFragment := loaders.ColPathFromPath(r.ProjectDir)
	if colFragment == "" {
		return false, nil
	}
	colPath, err := fsutil.ConfineRelPath(destination, filepath.Join("ansible_collections", colFragment))
	if err != nil {
		// A link pointing outside the destination tree is stale by definition.
		colPath = filepath.Join(destination, "ansible_collections", colFragment)
	}
	info, lerr := os.Lstat(colPath)
	if lerr != nil || info.Mode()&os.ModeSymlink == 0 {
		return false, nil
	}
	real, _ := filepath.EvalSymlinks(colPath)
	project, _ := filepath.EvalSymlinks(r.ProjectDir)
	if real == project {
		r.logger.Warn().Msg("Found symlinked collection, skipping its installation.")
		return true, nil
	}
	r.logger.Warn().
		Str("path", colPath).
		Str("expected", project).
		Msg("Collection is symlinked, but not pointing to the project directory, so we will remove it.")
	return false, os.Remove(colPath)
}

// RequireCollection checks that a minimal collection version is present,
// installing it when allowed. It returns the found version and install
// path.
func (r *Runtime) RequireCollection(ctx context.Context, name, minVersion string, install bool) (*goversion.Version, string, error) {
	ns, coll, ok := strings.Cut(name, ".")
	if !ok || ns == "" || coll == "" {
		return nil, "", &ansiblecompat.InvalidPrerequisiteError{
			Msg: fmt.Sprintf("Invalid collection name supplied: %s", name),
		}
	}

	paths := append([]string(nil), r.Config.CollectionsPaths...)
	if len(paths) == 0 {
		return nil, "", &ansiblecompat.InvalidPrerequisiteError{
			Msg: fmt.Sprintf("Unable to determine ansible collection paths. (%v)", paths),
		}
	}
	if r.CacheDir != "" {
		// the cache is the preferred destination when installing a
		// missing collection
		paths = append([]string{filepath.Join(r.CacheDir, "collections")}, paths...)
	}

	for _, base := range paths {
		collPath := filepath.Join(config.ExpandUser(base), "ansible_collections", ns, coll)
		if _, err := os.Stat(collPath); err != nil {
			continue
		}
		manifestPath := filepath.Join(collPath, "MANIFEST.json")
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			msg := fmt.Sprintf("Found collection at '%s' but missing MANIFEST.json, cannot get info.", collPath)
			r.logger.Error().Msg(msg)
			return nil, "", &ansiblecompat.InvalidPrerequisiteError{Msg: msg}
		}
		var manifest struct {
			CollectionInfo struct {
				Version string `json:"version"`
			} `json:"collection_info"`
		}
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return nil, "", &ansiblecompat.InvalidPrerequisiteError{
				Msg:   fmt.Sprintf("Unable to parse %s", manifestPath),
				Cause: err,
			}
		}
		found, err := config.NewCollectionVersion(manifest.CollectionInfo.Version)
		if err != nil {
			return nil, "", &ansiblecompat.InvalidPrerequisiteError{
				Msg:   fmt.Sprintf("Invalid version in %s", manifestPath),
				Cause: err,
			}
		}
		if minVersion != "" {
			want, err := config.NewCollectionVersion(minVersion)
			if err != nil {
				return nil, "", fmt.Errorf("invalid required version %q: %w", minVersion, err)
			}
			if found.LessThan(want) {
				if install {
					if err := r.InstallCollection(ctx, name+":>="+minVersion); err != nil {
						return nil, "", err
					}
					return r.RequireCollection(ctx, name, minVersion, false)
				}
				msg := fmt.Sprintf("Found %s collection %s but %s or newer is required.", name, found, minVersion)
				r.logger.Error().Msg(msg)
				return nil, "", &ansiblecompat.InvalidPrerequisiteError{Msg: msg}
			}
		}
		abs, err := filepath.Abs(collPath)
		if err != nil {
			abs = collPath
		}
		return found, abs, nil
	}

	if install {
		spec := name
		if minVersion != "" {
			spec = name + ":>=" + minVersion
		}
		if err := r.InstallCollection(ctx, spec); err != nil {
			return nil, "", err
		}
		return r.RequireCollection(ctx, name, minVersion, false)
	}
	msg := fmt.Sprintf("Collection '%s' not found in '%v'", name, paths)
	r.logger.Error().Msg(msg)
	return nil, "", &ansiblecompat.InvalidPrerequisiteError{Msg: msg}
}

// LoadCollections refreshes the collection inventory from ansible-galaxy,
// preserving the order in which galaxy reports them.
func (r *Runtime) LoadCollections(ctx context.Context) error {
	r.collections = nil
	const noCollectionsMsg = "None of the provided paths were usable"

	proc, err := r.Exec(ctx, []string{"ansible-galaxy", "collection", "list", "--format=json"})
	if err != nil {
		return err
	}
	if proc.ExitCode == ansiblecompat.RCAnsibleOptionsError &&
		(strings.Contains(proc.Stdout, noCollectionsMsg) || strings.Contains(proc.Stderr, noCollectionsMsg)) {
		r.logger.Debug().Msg("Ansible reported no installed collections at all.")
		return nil
	}
	if !proc.Success() {
		r.logger.Error().Str("proc", proc.String()).Msg("unable to list collections")
		return ansiblecompat.NewError(fmt.Sprintf("Unable to list collections: %s", proc))
	}

	collections, err := parseCollectionList(proc.Stdout)
	if err != nil {
		return err
	}
	r.collections = collections
	return nil
}

// parseCollectionList decodes `ansible-galaxy collection list
// --format=json` output, a map of path -> collection -> info, keeping the
// report order.
func parseCollectionList(out string) ([]Collection, error) {
	dec := json.NewDecoder(strings.NewReader(out))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("Unexpected collection data, %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ansiblecompat.NewError(fmt.Sprintf("Unexpected collection data, %v", tok))
	}

	var collections []Collection
	for dec.More() {
		pathTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		path, ok := pathTok.(string)
		if !ok {
			return nil, ansiblecompat.NewError(fmt.Sprintf("Unexpected collection data, %v", pathTok))
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '{' {
			return nil, ansiblecompat.NewError(fmt.Sprintf("Unexpected collection data, %v", tok))
		}
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, ok := nameTok.(string)
			if !ok {
				return nil, ansiblecompat.NewError(fmt.Sprintf("Unexpected collection data, %v", nameTok))
			}
			var info struct {
				Version string `json:"version"`
			}
			if err := dec.Decode(&info); err != nil {
				return nil, ansiblecompat.NewError(fmt.Sprintf("Unexpected collection data, %v", err))
			}
			collections = append(collections, Collection{Name: name, Version: info.Version, Path: path})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
	}
	return collections, nil
}

// installGalaxyRole detects a standalone galaxy role and installs it by
// symlinking the project into the roles path under its fully qualified
// role name, matching how ansible-galaxy lays out installed roles.
func (r *Runtime) installGalaxyRole(projectDir string, roleNameCheck int, ignoreErrors bool) error {
	var metaPath string
	for _, candidate := range ansiblecompat.MetaMain {
		p := filepath.Join(projectDir, candidate)
		if fileExists(p) {
			metaPath = p
			break
		}
	}
	if metaPath == "" {
		if ignoreErrors {
			return nil
		}
		return &ansiblecompat.InvalidPrerequisiteError{
			Msg: fmt.Sprintf("Role in %s is missing a meta/main.yml file.", projectDir),
		}
	}

	galaxyInfo := map[string]any{}
	if doc, err := loaders.YAMLFromFile(metaPath); err == nil {
		if m, ok := doc.(map[string]any); ok {
			if gi, ok := m["galaxy_info"].(map[string]any); ok {
				galaxyInfo = gi
			}
		}
	}

	fqrn, err := roleFQRN(galaxyInfo, projectDir)
	if err != nil {
		return err
	}

	switch roleNameCheck {
	case 0, 1:
		if !roleNameRe.MatchString(fqrn) {
			msg := fmt.Sprintf(ansiblecompat.MsgInvalidFQRL, fqrn)
			if roleNameCheck == 1 {
				r.logger.Warn().Msg(msg)
			} else {
				r.logger.Error().Msg(msg)
				return &ansiblecompat.InvalidPrerequisiteError{Msg: msg}
			}
		}
	default:
		// bypass checking, stick to plain role names when namespace is absent
		if _, ok := galaxyInfo["role_name"]; ok {
			ns, err := galaxyRoleNamespace(galaxyInfo)
			if err != nil {
				return err
			}
			fqrn = ns + galaxyRoleName(galaxyInfo)
		} else {
			abs, _ := filepath.Abs(projectDir)
			fqrn = filepath.Base(abs)
		}
	}

	rolesPath := r.rolesPath()
	if err := os.MkdirAll(rolesPath, 0o755); err != nil {
		return err
	}
	linkPath, err := fsutil.ConfineRelPath(rolesPath, fqrn)
	if err != nil {
		return &ansiblecompat.InvalidPrerequisiteError{
			Msg:   fmt.Sprintf("Role name %q resolves outside the roles path.", fqrn),
			Cause: err,
		}
	}
	target, err := filepath.Abs(projectDir)
	if err != nil {
		return err
	}

	// A broken link reports as not existing, so unlink before relinking.
	current, lerr := os.Readlink(linkPath)
	if _, serr := os.Lstat(linkPath); serr != nil || (lerr == nil && current != target) {
		_ = os.Remove(linkPath)
		if err := os.Symlink(target, linkPath); err != nil {
			return err
		}
	}
	r.logger.Info().
		Str("link", linkPath).
		Msg("Using symlink to current repository in order to enable Ansible to find the role using its expected full name.")
	return nil
}

// roleFQRN computes the fully qualified role name for a project.
func roleFQRN(galaxyInfo map[string]any, projectDir string) (string, error) {
	ns, err := galaxyRoleNamespace(galaxyInfo)
	if err != nil {
		return "", err
	}
	name := galaxyRoleName(galaxyInfo)
	if name == "" {
		abs, aerr := filepath.Abs(projectDir)
		if aerr != nil {
			abs = projectDir
		}
		name = rolePrefixRe.ReplaceAllString(filepath.Base(abs), "")
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
	}
	return ns + name, nil
}

// galaxyRoleNamespace extracts the role namespace, including the trailing
// dot. An author name with spaces is not a galaxy login, so it does not
// count as a namespace.
func galaxyRoleNamespace(galaxyInfo map[string]any) (string, error) {
	raw, ok := galaxyInfo["namespace"]
	if !ok || raw == "" {
		raw = galaxyInfo["author"]
	}
	if raw == nil {
		return "", nil
	}
	ns, ok := raw.(string)
	if !ok {
		return "", ansiblecompat.NewError(fmt.Sprintf("Role namespace must be string, not %v", raw))
	}
	if ns == "" || authorNameRe.MatchString(ns) {
		return "", nil
	}
	return ns + ".", nil
}

func galaxyRoleName(galaxyInfo map[string]any) string {
	if name, ok := galaxyInfo["role_name"].(string); ok {
		return name
	}
	return ""
}

func retryOpt(retry bool) []ExecOption {
	if retry {
		return []ExecOption{WithRetry()}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
