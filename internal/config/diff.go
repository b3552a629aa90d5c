package config

import (
	"reflect"

	"github.com/codemode/bridge/internal/upstream"
)

// ServerDiff describes how the upstream server set changed between two
// configs. It drives the watcher integration: removed servers are
// disconnected, added and modified servers are (re)connected in the
// background.
type ServerDiff struct {
	Added    map[string]upstream.ServerConfig
	Modified map[string]upstream.ServerConfig
	Removed  []string
}

// Empty reports whether the diff carries no changes.
func (d ServerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// DiffServers compares the server maps of two configs.
func DiffServers(old, new *Config) ServerDiff {
	d := ServerDiff{
		Added:    make(map[string]upstream.ServerConfig),
		Modified: make(map[string]upstream.ServerConfig),
	}

	for name, newCfg := range new.Servers {
		oldCfg, exists := old.Servers[name]
		if !exists {
			d.Added[name] = newCfg
			continue
		}
		if !reflect.DeepEqual(oldCfg, newCfg) {
			d.Modified[name] = newCfg
		}
	}
	for name := range old.Servers {
		if _, exists := new.Servers[name]; !exists {
			d.Removed = append(d.Removed, name)
		}
	}
	return d
}
