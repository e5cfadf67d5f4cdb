// Package manifest represents the project manifest (pesde.toml): its
// metadata, target table, dependency tables, and override grammar.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// Manifest is the decoded form of pesde.toml.
type Manifest struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Description string   `toml:"description,omitempty"`
	License     string   `toml:"license,omitempty"`
	Authors     []string `toml:"authors,omitempty"`
	Repository  string   `toml:"repository,omitempty"`
	Private     bool     `toml:"private,omitempty"`

	Target TargetTable `toml:"target"`

	Indices      map[string]string                        `toml:"indices"`
	WallyIndices map[string]string                        `toml:"wally_indices,omitempty"`
	Overrides    map[string]specifier.DependencySpecifier `toml:"overrides,omitempty"`
	Includes     []string                                 `toml:"includes,omitempty"`
	Patches      map[string]map[string]string             `toml:"patches,omitempty"`
	Workspace    []string                                 `toml:"workspace_members,omitempty"`
	Place        *PlaceTable                              `toml:"place,omitempty"`
	Engines      map[string]string                        `toml:"engines,omitempty"`

	Dependencies     map[string]specifier.DependencySpecifier `toml:"dependencies,omitempty"`
	PeerDependencies map[string]specifier.DependencySpecifier `toml:"peer_dependencies,omitempty"`
	DevDependencies  map[string]specifier.DependencySpecifier `toml:"dev_dependencies,omitempty"`
}

// TargetTable is the manifest's [target] table.
type TargetTable struct {
	Environment string            `toml:"environment"`
	Lib         string            `toml:"lib,omitempty"`
	Bin         string            `toml:"bin,omitempty"`
	BuildFiles  []string          `toml:"build_files,omitempty"`
	Scripts     map[string]string `toml:"scripts,omitempty"`
}

// Kind parses Environment into a semverx.TargetKind.
func (t TargetTable) Kind() (semverx.TargetKind, error) {
	k := semverx.TargetKind(t.Environment)
	if !k.Valid() {
		return "", fmt.Errorf("manifest target.environment %q is not a recognized target kind", t.Environment)
	}
	return k, nil
}

// PlaceTable is the manifest's optional [place] table, consulted by the
// linker when computing Roblox-style require paths for browser-embedded
// targets.
type PlaceTable struct {
	Shared string `toml:"shared,omitempty"`
	Server string `toml:"server,omitempty"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	m, err := ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseBytes decodes and validates a manifest from raw TOML bytes, for
// callers that read a pesde.toml out of something other than the local
// filesystem (a Git tree, a registry archive).
func ParseBytes(data []byte) (*Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DirectDependency pairs an alias with its specifier and declared type,
// the unit the resolver's work queue is seeded with.
type DirectDependency struct {
	Alias      specifier.Alias
	Specifier  specifier.DependencySpecifier
	DeclaredTy specifier.DependencyType
}

// Validate checks the manifest's static invariants: the package name,
// alias uniqueness across the three dependency tables, and alias/engine
// name collisions.
func (m *Manifest) Validate() error {
	if _, err := names.Parse(m.Name); err != nil {
		return fmt.Errorf("invalid manifest name: %w", err)
	}
	if _, err := m.Target.Kind(); err != nil {
		return err
	}

	engineNames := make([]string, 0, len(m.Engines))
	for name := range m.Engines {
		engineNames = append(engineNames, name)
	}

	seen := make(map[string]string) // lowercased alias -> table it first appeared in
	check := func(table string, deps map[string]specifier.DependencySpecifier) error {
		for raw := range deps {
			alias, err := specifier.ParseAlias(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
			if err := specifier.CheckEngineCollision(alias, engineNames); err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
			key := strings.ToLower(raw)
			if prev, dup := seen[key]; dup {
				return fmt.Errorf("duplicate alias %q: declared in both %s and %s", raw, prev, table)
			}
			seen[key] = table
		}
		return nil
	}

	if err := check("dependencies", m.Dependencies); err != nil {
		return err
	}
	if err := check("peer_dependencies", m.PeerDependencies); err != nil {
		return err
	}
	if err := check("dev_dependencies", m.DevDependencies); err != nil {
		return err
	}

	return nil
}

// DirectDependencies returns the union of dependencies, peer_dependencies,
// and dev_dependencies as a single slice, tagged with their declared type.
// Validate must have succeeded first (alias uniqueness is assumed).
func (m *Manifest) DirectDependencies() []DirectDependency {
	var out []DirectDependency
	appendAll := func(deps map[string]specifier.DependencySpecifier, ty specifier.DependencyType) {
		aliases := make([]string, 0, len(deps))
		for a := range deps {
			aliases = append(aliases, a)
		}
		sort.Strings(aliases)
		for _, a := range aliases {
			out = append(out, DirectDependency{Alias: specifier.Alias(a), Specifier: deps[a], DeclaredTy: ty})
		}
	}
	appendAll(m.Dependencies, specifier.DependencyStandard)
	appendAll(m.PeerDependencies, specifier.DependencyPeer)
	appendAll(m.DevDependencies, specifier.DependencyDev)
	return out
}

// WorkspaceMembers expands the workspace_members glob patterns relative
// to root into a sorted, deduplicated list of absolute directory paths.
// This is deliberately eager: callers need the finite member set before
// install begins, so there is nothing to gain from a lazy stream.
func (m *Manifest) WorkspaceMembers(root string) ([]string, error) {
	seen := make(map[string]struct{})
	var members []string
	for _, pattern := range m.Workspace {
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(root, pattern)
		}
		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("expanding workspace member pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || !info.IsDir() {
				continue
			}
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			members = append(members, match)
		}
	}
	sort.Strings(members)
	return members, nil
}
