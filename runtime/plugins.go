// SPDX-License-Identifier: MIT

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goversion "github.com/hashicorp/go-version"
	"golang.org/x/sync/errgroup"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
)

// PluginType identifies a class of Ansible plugins as understood by
// ansible-doc.
type PluginType string

// Plugin types supported by ansible-doc -t.
const (
	PluginBecome     PluginType = "become"
	PluginCache      PluginType = "cache"
	PluginCallback   PluginType = "callback"
	PluginCliconf    PluginType = "cliconf"
	PluginConnection PluginType = "connection"
	PluginHTTPAPI    PluginType = "httpapi"
	PluginInventory  PluginType = "inventory"
	PluginLookup     PluginType = "lookup"
	PluginNetconf    PluginType = "netconf"
	PluginShell      PluginType = "shell"
	PluginVars       PluginType = "vars"
	PluginModule     PluginType = "module"
	PluginStrategy   PluginType = "strategy"
	PluginTest       PluginType = "test"
	PluginFilter     PluginType = "filter"
	PluginRole       PluginType = "role"
	PluginKeyword    PluginType = "keyword"
)

// AllPluginTypes lists every plugin type ansible-doc can enumerate.
var AllPluginTypes = []PluginType{
	PluginBecome, PluginCache, PluginCallback, PluginCliconf,
	PluginConnection, PluginHTTPAPI, PluginInventory, PluginLookup,
	PluginNetconf, PluginShell, PluginVars, PluginModule,
	PluginStrategy, PluginTest, PluginFilter, PluginRole, PluginKeyword,
}

// minFilterTestVersion is the first ansible release whose ansible-doc can
// enumerate filter and test plugins.
var minFilterTestVersion = goversion.Must(goversion.NewVersion("2.14"))

// Plugins inventories installed Ansible plugins through ansible-doc.
// Results are cached per type.
type Plugins struct {
	runtime *Runtime

	mu    sync.Mutex
	cache map[PluginType]map[string]string
}

func newPlugins(r *Runtime) *Plugins {
	return &Plugins{runtime: r, cache: map[PluginType]map[string]string{}}
}

// ByType returns the installed plugins of one type, mapping plugin name to
// its short description.
func (p *Plugins) ByType(ctx context.Context, t PluginType) (map[string]string, error) {
	p.mu.Lock()
	if cached, ok := p.cache[t]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	if t == PluginFilter || t == PluginTest {
		v, err := p.runtime.Version(ctx)
		if err != nil {
			return nil, err
		}
		if v.LessThan(minFilterTestVersion) {
			return nil, ansiblecompat.NewError(
				"Ansible version below 2.14 does not support retrieving filter and test plugins.")
		}
	}

	proc, err := p.runtime.Exec(ctx, []string{"ansible-doc", "--json", "-l", "-t", string(t)})
	if err != nil {
		return nil, err
	}
	if !proc.Success() {
		return nil, &ansiblecompat.CommandError{Proc: proc}
	}

	var result map[string]string
	if err := json.Unmarshal([]byte(proc.Stdout), &result); err != nil {
		return nil, ansiblecompat.NewError(fmt.Sprintf("Unexpected output from ansible-doc: %v", err))
	}

	p.mu.Lock()
	p.cache[t] = result
	p.mu.Unlock()
	return result, nil
}

// Load fetches the inventory for every plugin type concurrently. Types
// the current ansible version cannot enumerate are skipped.
func (p *Plugins) Load(ctx context.Context) error {
	v, err := p.runtime.Version(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range AllPluginTypes {
		if (t == PluginFilter || t == PluginTest) && v.LessThan(minFilterTestVersion) {
			continue
		}
		t := t
		g.Go(func() error {
			_, err := p.ByType(ctx, t)
			return err
		})
	}
	return g.Wait()
}

// Modules is a convenience accessor for the module inventory.
func (p *Plugins) Modules(ctx context.Context) (map[string]string, error) {
	return p.ByType(ctx, PluginModule)
}

// Filters is a convenience accessor for the filter inventory.
func (p *Plugins) Filters(ctx context.Context) (map[string]string, error) {
	return p.ByType(ctx, PluginFilter)
}

// Lookups is a convenience accessor for the lookup inventory.
func (p *Plugins) Lookups(ctx context.Context) (map[string]string, error) {
	return p.ByType(ctx, PluginLookup)
}
