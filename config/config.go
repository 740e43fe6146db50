// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Defaults used when `ansible-config dump` does not report a key, matching
// the stock ansible-core configuration.
var (
	defaultCollectionsPaths = []string{"~/.ansible/collections", "/usr/share/ansible/collections"}
	defaultRolesPath        = []string{"~/.ansible/roles", "/usr/share/ansible/roles", "/etc/ansible/roles"}
	defaultModulePath       = []string{"~/.ansible/plugins/modules", "/usr/share/ansible/plugins/modules"}
)

var dumpLineRe = regexp.MustCompile(`(?m)^(?P<key>[A-Za-z0-9_]+)[^=\n]* = (?P<value>.*)$`)

// AnsibleConfig exposes the effective ansible configuration, obtained from
// `ansible-config dump`. Raw keys are kept so callers can inspect settings
// this package does not type.
type AnsibleConfig struct {
	// CollectionsPaths lists the directories searched for collections.
	CollectionsPaths []string
	// DefaultModulePath lists the directories searched for modules.
	DefaultModulePath []string
	// DefaultRolesPath lists the directories searched for roles.
	DefaultRolesPath []string
	// CollectionsScanSysPath mirrors COLLECTIONS_SCAN_SYS_PATH.
	CollectionsScanSysPath bool

	raw map[string]any
}

// DumpFunc produces `ansible-config dump` output. Swappable in tests.
type DumpFunc func(ctx context.Context) (string, error)

// DefaultDump executes ansible-config from PATH.
func DefaultDump(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ansible-config", "dump").Output()
	if err != nil {
		return "", fmt.Errorf("ansible-config dump: %w", err)
	}
	return string(out), nil
}

// NewAnsibleConfig loads the effective configuration. A nil dump uses
// DefaultDump. The dump failing is not fatal: stock defaults apply, since
// older ansible releases may lack ansible-config entirely.
func NewAnsibleConfig(ctx context.Context, dump DumpFunc) *AnsibleConfig {
	if dump == nil {
		dump = DefaultDump
	}
	out, err := dump(ctx)
	if err != nil {
		out = ""
	}
	return ParseDump(out)
}

// ParseDump parses `ansible-config dump` output. Lines look like
//
//	COLLECTIONS_PATHS(default) = ['/home/u/.ansible/collections']
//	COLLECTIONS_SCAN_SYS_PATH(default) = True
//
// Values use Python literal syntax.
func ParseDump(out string) *AnsibleConfig {
	cfg := &AnsibleConfig{raw: map[string]any{}}
	for _, m := range dumpLineRe.FindAllStringSubmatch(out, -1) {
		key := strings.ToLower(m[1])
		cfg.raw[key] = parsePythonLiteral(strings.TrimSpace(m[2]))
	}

	cfg.CollectionsPaths = cfg.stringList(defaultCollectionsPaths, "collections_paths", "collections_path")
	cfg.DefaultRolesPath = cfg.stringList(defaultRolesPath, "default_roles_path")
	cfg.DefaultModulePath = cfg.stringList(defaultModulePath, "default_module_path")
	cfg.CollectionsScanSysPath = cfg.boolean("collections_scan_sys_path", true)
	return cfg
}

// Get returns the raw parsed value of a setting, lowercase key.
func (c *AnsibleConfig) Get(key string) (any, bool) {
	v, ok := c.raw[strings.ToLower(key)]
	return v, ok
}

func (c *AnsibleConfig) stringList(fallback []string, keys ...string) []string {
	for _, key := range keys {
		v, ok := c.raw[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case []string:
			return append([]string(nil), val...)
		case string:
			if val != "" {
				return strings.Split(val, ":")
			}
		}
	}
	return append([]string(nil), fallback...)
}

func (c *AnsibleConfig) boolean(key string, fallback bool) bool {
	if v, ok := c.raw[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// parsePythonLiteral converts the Python literal notation used by
// ansible-config into Go values. Unrecognized input stays a plain string.
func parsePythonLiteral(s string) any {
	switch s {
	case "True":
		return true
	case "False":
		return false
	case "None":
		return nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return parsePythonList(s[1 : len(s)-1])
	}
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func parsePythonList(body string) []string {
	var items []string
	var cur strings.Builder
	var quote byte
	inQuote := false
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case inQuote:
			if ch == '\\' && i+1 < len(body) {
				i++
				cur.WriteByte(body[i])
			} else if ch == quote {
				inQuote = false
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			inQuote = true
			quote = ch
		case ch == ',':
			items = append(items, cur.String())
			cur.Reset()
		case ch == ' ':
			// between items
		default:
			cur.WriteByte(ch)
		}
	}
	if cur.Len() > 0 {
		items = append(items, cur.String())
	}
	return items
}

// ExpandUser replaces a leading ~ with the current home directory.
func ExpandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
