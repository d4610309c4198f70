package modvfs

import (
	"fmt"
	"sort"

	"github.com/reithan/lmodvfs/casefs"
)

// Mod is a named layer: a durable handle to a root directory on the host
// filesystem. Two mods are distinguished by identity (pointer equality),
// never by name, even though names must also be unique within a Registry.
type Mod struct {
	Name string
	Root *casefs.Dir
}

// Registry is the immutable-after-mount, sorted-by-name list of
// registered mods: loopback, the ordered user mods, and output.
type Registry struct {
	byName map[string]*Mod
	mods   []*Mod

	Loopback *Mod
	Users    []*Mod
	Output   *Mod
}

// NewRegistry opens loopbackPath, each user mod's path (in the given
// order), and outputPath, and registers them. Registering a duplicate name
// is a fatal configuration error, reported here rather than discovered
// later during the overlay build.
func NewRegistry(loopbackPath string, userNames, userPaths []string, outputPath string) (*Registry, error) {
	if len(userNames) != len(userPaths) {
		return nil, fmt.Errorf("modvfs: userNames and userPaths length mismatch")
	}

	r := &Registry{byName: make(map[string]*Mod)}

	loopback, err := r.add("loopback", loopbackPath)
	if err != nil {
		return nil, err
	}
	r.Loopback = loopback

	for i, name := range userNames {
		m, err := r.add(name, userPaths[i])
		if err != nil {
			return nil, err
		}
		r.Users = append(r.Users, m)
	}

	output, err := r.add("output", outputPath)
	if err != nil {
		return nil, err
	}
	r.Output = output

	sort.Slice(r.mods, func(i, j int) bool { return r.mods[i].Name < r.mods[j].Name })
	return r, nil
}

func (r *Registry) add(name, path string) (*Mod, error) {
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("modvfs: duplicate mod name %q", name)
	}
	dir, err := casefs.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("modvfs: opening mod %q root %q: %w", name, path, err)
	}
	m := &Mod{Name: name, Root: dir}
	r.byName[name] = m
	r.mods = append(r.mods, m)
	return m, nil
}

// Layers returns every mod in overlay precedence order: loopback first,
// then user mods in listed order, then output last.
func (r *Registry) Layers() []*Mod {
	layers := make([]*Mod, 0, len(r.Users)+2)
	layers = append(layers, r.Loopback)
	layers = append(layers, r.Users...)
	layers = append(layers, r.Output)
	return layers
}

// Close releases every mod's root handle. Called only at unmount.
func (r *Registry) Close() error {
	var first error
	for _, m := range r.mods {
		if err := m.Root.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
