// Package lockfile reads and writes pesde.lock: the serialized resolved
// dependency graph plus the workspace member map, with a migration for the
// prior graph schema that keyed nodes by name first and version second.
package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/names"
	"github.com/pesde-go/pesde/pkg/semverx"
	"github.com/pesde-go/pesde/pkg/specifier"
)

// FileName is the lockfile's name within a project root.
const FileName = "pesde.lock"

// banner is prepended to every written lockfile.
const banner = "# This file is automatically generated and should not be edited manually.\n\n"

// Lockfile is the decoded form of pesde.lock.
type Lockfile struct {
	Name      string
	Version   string
	Target    semverx.TargetKind
	Overrides map[string]specifier.DependencySpecifier
	// Workspace maps a member's package name to its location relative to
	// the workspace root, per target kind.
	Workspace map[string]map[string]string
	Graph     *graph.DependencyGraph
}

// tomlLockfile is the on-disk shape. The graph is keyed by the rendered
// PackageId ("<name>@<version> <target>"); specifiers are stored as their
// generic map form so the untagged union round-trips through plain TOML
// tables.
type tomlLockfile struct {
	Name      string                            `toml:"name"`
	Version   string                            `toml:"version"`
	Target    string                            `toml:"target"`
	Overrides map[string]map[string]interface{} `toml:"overrides,omitempty"`
	Workspace map[string]map[string]string      `toml:"workspace,omitempty"`
	Graph     map[string]toml.Primitive         `toml:"graph,omitempty"`
}

type tomlNode struct {
	Direct       *tomlDirect       `toml:"direct,omitempty"`
	Dependencies map[string]string `toml:"dependencies,omitempty"`
	ResolvedTy   string            `toml:"resolved_ty"`
	IsPeer       bool              `toml:"is_peer,omitempty"`
	Ref          tomlRef           `toml:"ref"`
}

type tomlDirect struct {
	Alias     string                 `toml:"alias"`
	Specifier map[string]interface{} `toml:"specifier"`
	Type      string                 `toml:"type"`
}

type tomlRef struct {
	Kind         string                            `toml:"kind"`
	Name         string                            `toml:"name"`
	Version      string                            `toml:"version"`
	Target       string                            `toml:"target"`
	Index        string                            `toml:"index,omitempty"`
	Realm        string                            `toml:"realm,omitempty"`
	Repo         string                            `toml:"repo,omitempty"`
	Tree         string                            `toml:"tree,omitempty"`
	NewLayout    bool                              `toml:"new_layout,omitempty"`
	Path         string                            `toml:"path,omitempty"`
	Dependencies map[string]map[string]interface{} `toml:"dependencies,omitempty"`
}

var refKindNames = map[graph.RefKind]string{
	graph.RefRegistry:  "registry",
	graph.RefLegacy:    "legacy",
	graph.RefGit:       "git",
	graph.RefWorkspace: "workspace",
	graph.RefPath:      "path",
}

func refKindFromName(s string) (graph.RefKind, error) {
	for kind, name := range refKindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown package ref kind %q", s)
}

// Read loads the lockfile in projectRoot. A missing file returns (nil, nil)
// so callers can distinguish "no lockfile yet" from a parse failure.
func Read(projectRoot string) (*Lockfile, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	return Parse(data)
}

// Parse decodes lockfile bytes, migrating the prior graph schema when
// detected.
func Parse(data []byte) (*Lockfile, error) {
	var raw tomlLockfile
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}

	target := semverx.TargetKind(raw.Target)
	if !target.Valid() {
		return nil, fmt.Errorf("lockfile target %q is not a recognized target kind", raw.Target)
	}

	lf := &Lockfile{
		Name:      raw.Name,
		Version:   raw.Version,
		Target:    target,
		Overrides: make(map[string]specifier.DependencySpecifier, len(raw.Overrides)),
		Workspace: raw.Workspace,
		Graph:     graph.New(),
	}

	for key, m := range raw.Overrides {
		var spec specifier.DependencySpecifier
		if err := spec.UnmarshalTOML(m); err != nil {
			return nil, fmt.Errorf("lockfile override %q: %w", key, err)
		}
		lf.Overrides[key] = spec
	}

	for key, prim := range raw.Graph {
		if strings.Contains(key, "@") {
			id, err := graph.ParsePackageId(key)
			if err != nil {
				return nil, err
			}
			var tn tomlNode
			if err := md.PrimitiveDecode(prim, &tn); err != nil {
				return nil, fmt.Errorf("lockfile graph node %q: %w", key, err)
			}
			node, err := nodeFromTOML(tn)
			if err != nil {
				return nil, fmt.Errorf("lockfile graph node %q: %w", key, err)
			}
			lf.Graph.Insert(id, node)
			continue
		}

		// Prior schema: graph keyed by name, then by "<version> <target>".
		name, err := names.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("migrating lockfile graph key %q: %w", key, err)
		}
		var byVersion map[string]tomlNode
		if err := md.PrimitiveDecode(prim, &byVersion); err != nil {
			return nil, fmt.Errorf("migrating lockfile graph entry %q: %w", key, err)
		}
		for versionKey, tn := range byVersion {
			id, err := graph.ParsePackageId(name.String() + "@" + versionKey)
			if err != nil {
				return nil, fmt.Errorf("migrating lockfile graph entry %q %q: %w", key, versionKey, err)
			}
			node, err := nodeFromTOML(tn)
			if err != nil {
				return nil, fmt.Errorf("migrating lockfile graph entry %q %q: %w", key, versionKey, err)
			}
			lf.Graph.Insert(id, node)
		}
	}

	return lf, nil
}

func nodeFromTOML(tn tomlNode) (*graph.Node, error) {
	resolvedTy, err := specifier.ParseDependencyType(tn.ResolvedTy)
	if err != nil {
		return nil, err
	}

	node := &graph.Node{
		Dependencies: make(map[graph.PackageId]specifier.Alias, len(tn.Dependencies)),
		ResolvedTy:   resolvedTy,
		IsPeer:       tn.IsPeer,
	}

	for depKey, alias := range tn.Dependencies {
		depID, err := graph.ParsePackageId(depKey)
		if err != nil {
			return nil, err
		}
		parsedAlias, err := specifier.ParseAlias(alias)
		if err != nil {
			return nil, err
		}
		node.Dependencies[depID] = parsedAlias
	}

	if tn.Direct != nil {
		alias, err := specifier.ParseAlias(tn.Direct.Alias)
		if err != nil {
			return nil, err
		}
		declaredTy, err := specifier.ParseDependencyType(tn.Direct.Type)
		if err != nil {
			return nil, err
		}
		var spec specifier.DependencySpecifier
		if err := spec.UnmarshalTOML(tn.Direct.Specifier); err != nil {
			return nil, err
		}
		node.Direct = &graph.DirectInfo{Alias: alias, Specifier: spec, DeclaredTy: declaredTy}
	}

	ref, err := refFromTOML(tn.Ref)
	if err != nil {
		return nil, err
	}
	node.PkgRef = ref

	return node, nil
}

func refFromTOML(tr tomlRef) (graph.PackageRef, error) {
	kind, err := refKindFromName(tr.Kind)
	if err != nil {
		return graph.PackageRef{}, err
	}
	id, err := graph.ParsePackageId(fmt.Sprintf("%s@%s %s", tr.Name, tr.Version, tr.Target))
	if err != nil {
		return graph.PackageRef{}, err
	}

	ref := graph.PackageRef{
		Kind:        kind,
		Name:        id.Name,
		Version:     id.Version,
		IndexURL:    tr.Index,
		LegacyRealm: tr.Realm,
		RepoURL:     tr.Repo,
		TreeOID:     tr.Tree,
		NewLayout:   tr.NewLayout,
		MemberPath:  tr.Path,
	}

	if len(tr.Dependencies) > 0 {
		ref.Dependencies = make(map[specifier.Alias]graph.DeclaredDependency, len(tr.Dependencies))
		for rawAlias, m := range tr.Dependencies {
			alias, err := specifier.ParseAlias(rawAlias)
			if err != nil {
				return graph.PackageRef{}, err
			}
			ty := specifier.DependencyStandard
			if rawTy, ok := m["type"].(string); ok {
				ty, err = specifier.ParseDependencyType(rawTy)
				if err != nil {
					return graph.PackageRef{}, err
				}
				delete(m, "type")
			}
			var spec specifier.DependencySpecifier
			if err := spec.UnmarshalTOML(m); err != nil {
				return graph.PackageRef{}, fmt.Errorf("ref dependency %q: %w", rawAlias, err)
			}
			ref.Dependencies[alias] = graph.DeclaredDependency{Specifier: spec, Type: ty}
		}
	}

	return ref, nil
}

// Serialize renders the lockfile to its on-disk bytes, banner included. Map
// keys are emitted in sorted order, so identical inputs serialize to
// byte-identical output.
func (lf *Lockfile) Serialize() ([]byte, error) {
	raw := tomlLockfile{
		Name:      lf.Name,
		Version:   lf.Version,
		Target:    string(lf.Target),
		Workspace: lf.Workspace,
	}

	if len(lf.Overrides) > 0 {
		raw.Overrides = make(map[string]map[string]interface{}, len(lf.Overrides))
		for key, spec := range lf.Overrides {
			raw.Overrides[key] = spec.ToMap()
		}
	}

	// tomlLockfile.Graph holds toml.Primitive for the migration-aware read
	// path; writing goes through a plain map with the same layout.
	graphOut := make(map[string]tomlNode, len(lf.Graph.Nodes))
	for id, node := range lf.Graph.Nodes {
		graphOut[id.String()] = nodeToTOML(node)
	}

	var buf bytes.Buffer
	buf.WriteString(banner)
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(struct {
		Name      string                            `toml:"name"`
		Version   string                            `toml:"version"`
		Target    string                            `toml:"target"`
		Overrides map[string]map[string]interface{} `toml:"overrides,omitempty"`
		Workspace map[string]map[string]string      `toml:"workspace,omitempty"`
		Graph     map[string]tomlNode               `toml:"graph,omitempty"`
	}{raw.Name, raw.Version, raw.Target, raw.Overrides, raw.Workspace, graphOut}); err != nil {
		return nil, fmt.Errorf("encoding lockfile: %w", err)
	}
	return buf.Bytes(), nil
}

func nodeToTOML(node *graph.Node) tomlNode {
	tn := tomlNode{
		ResolvedTy: node.ResolvedTy.String(),
		IsPeer:     node.IsPeer,
		Ref:        refToTOML(node.PkgRef),
	}

	if len(node.Dependencies) > 0 {
		tn.Dependencies = make(map[string]string, len(node.Dependencies))
		for depID, alias := range node.Dependencies {
			tn.Dependencies[depID.String()] = string(alias)
		}
	}

	if node.Direct != nil {
		tn.Direct = &tomlDirect{
			Alias:     string(node.Direct.Alias),
			Specifier: node.Direct.Specifier.ToMap(),
			Type:      node.Direct.DeclaredTy.String(),
		}
	}

	return tn
}

func refToTOML(ref graph.PackageRef) tomlRef {
	tr := tomlRef{
		Kind:      refKindNames[ref.Kind],
		Name:      ref.Name.String(),
		Version:   ref.Version.Version.String(),
		Target:    string(ref.Version.Target),
		Index:     ref.IndexURL,
		Realm:     ref.LegacyRealm,
		Repo:      ref.RepoURL,
		Tree:      ref.TreeOID,
		NewLayout: ref.NewLayout,
		Path:      ref.MemberPath,
	}

	if len(ref.Dependencies) > 0 {
		tr.Dependencies = make(map[string]map[string]interface{}, len(ref.Dependencies))
		for alias, dep := range ref.Dependencies {
			m := dep.Specifier.ToMap()
			if dep.Type != specifier.DependencyStandard {
				m["type"] = dep.Type.String()
			}
			tr.Dependencies[string(alias)] = m
		}
	}

	return tr
}

// Write serializes the lockfile and atomically replaces projectRoot's
// pesde.lock via a sibling temp file and rename.
func (lf *Lockfile) Write(projectRoot string) error {
	data, err := lf.Serialize()
	if err != nil {
		return err
	}

	dst := filepath.Join(projectRoot, FileName)
	tmp, err := os.CreateTemp(projectRoot, ".pesde.lock-*")
	if err != nil {
		return fmt.Errorf("creating lockfile temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing lockfile: %w", err)
	}
	return nil
}
