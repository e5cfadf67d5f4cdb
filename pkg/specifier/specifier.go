// Package specifier implements DependencySpecifier, the untagged-union
// dependency declaration that appears in a manifest's dependency tables,
// together with the small value types (Alias, DependencyType) that travel
// alongside it through resolution.
//
// The union is discriminated the same way the upstream YAML feed config
// discriminates its distribution map: by which of a small set of marker
// fields is present in the decoded table, not by an explicit tag. TOML has
// no native sum-type support, so DependencySpecifier implements
// toml.Unmarshaler/toml.Marshaler directly instead of relying on struct
// tags.
package specifier

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates which variant of the union is populated.
type Kind int

const (
	KindRegistry Kind = iota
	KindLegacy
	KindGit
	KindWorkspace
	KindPath
)

func (k Kind) String() string {
	switch k {
	case KindRegistry:
		return "registry"
	case KindLegacy:
		return "legacy"
	case KindGit:
		return "git"
	case KindWorkspace:
		return "workspace"
	case KindPath:
		return "path"
	default:
		return "unknown"
	}
}

// DependencySpecifier is the sum over source kinds a dependency table
// entry can take. Only the fields relevant to Kind are meaningful; the
// rest are left zero.
type DependencySpecifier struct {
	Kind Kind

	// Registry: {name, version, index?, target?}
	Name       string
	VersionReq string
	Index      string
	Target     string

	// Legacy: {wally, version, index?} (reuses VersionReq, Index above)
	Wally string

	// Git: {repo, rev, path?}
	Repo string
	Rev  string

	// Workspace: {workspace, version?, target?} (reuses VersionReq, Target above)
	Workspace string

	// Path: {path}; also reused as Git's optional sub-path
	Path string
}

// UnmarshalTOML implements toml.Unmarshaler. data is the generic decode of
// a TOML table: map[string]interface{} with string/bool/int64/float64/
// []interface{} leaf values.
func (d *DependencySpecifier) UnmarshalTOML(data interface{}) error {
	m, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("dependency specifier must be a table, got %T", data)
	}

	str := func(key string) (string, error) {
		v, ok := m[key]
		if !ok {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q must be a string, got %T", key, v)
		}
		return s, nil
	}
	required := func(key string) (string, error) {
		v, err := str(key)
		if err != nil {
			return "", err
		}
		if v == "" {
			return "", fmt.Errorf("dependency specifier missing required field %q", key)
		}
		return v, nil
	}

	switch {
	case hasKey(m, "repo"):
		d.Kind = KindGit
		repo, err := required("repo")
		if err != nil {
			return err
		}
		rev, err := required("rev")
		if err != nil {
			return err
		}
		path, err := str("path")
		if err != nil {
			return err
		}
		d.Repo, d.Rev, d.Path = repo, rev, path

	case hasKey(m, "wally"):
		d.Kind = KindLegacy
		wally, err := required("wally")
		if err != nil {
			return err
		}
		version, err := required("version")
		if err != nil {
			return err
		}
		index, err := str("index")
		if err != nil {
			return err
		}
		d.Wally, d.VersionReq, d.Index = wally, version, index

	case hasKey(m, "workspace"):
		d.Kind = KindWorkspace
		ws, err := required("workspace")
		if err != nil {
			return err
		}
		version, err := str("version")
		if err != nil {
			return err
		}
		target, err := str("target")
		if err != nil {
			return err
		}
		d.Workspace, d.VersionReq, d.Target = ws, version, target

	case hasKey(m, "path"):
		d.Kind = KindPath
		path, err := required("path")
		if err != nil {
			return err
		}
		d.Path = path

	case hasKey(m, "name"):
		d.Kind = KindRegistry
		name, err := required("name")
		if err != nil {
			return err
		}
		version, err := required("version")
		if err != nil {
			return err
		}
		index, err := str("index")
		if err != nil {
			return err
		}
		target, err := str("target")
		if err != nil {
			return err
		}
		d.Name, d.VersionReq, d.Index, d.Target = name, version, index, target

	default:
		return fmt.Errorf("dependency specifier has none of the recognized discriminator fields (name, wally, repo, workspace, path)")
	}

	return nil
}

func hasKey(m map[string]interface{}, key string) bool {
	_, ok := m[key]
	return ok
}

// MarshalTOML implements toml.Marshaler, re-serializing the populated
// variant back to the same field set UnmarshalTOML recognizes.
func (d DependencySpecifier) MarshalTOML() ([]byte, error) {
	var buf bytes.Buffer
	switch d.Kind {
	case KindRegistry:
		fmt.Fprintf(&buf, "name = %q\nversion = %q\n", d.Name, d.VersionReq)
		if d.Index != "" {
			fmt.Fprintf(&buf, "index = %q\n", d.Index)
		}
		if d.Target != "" {
			fmt.Fprintf(&buf, "target = %q\n", d.Target)
		}
	case KindLegacy:
		fmt.Fprintf(&buf, "wally = %q\nversion = %q\n", d.Wally, d.VersionReq)
		if d.Index != "" {
			fmt.Fprintf(&buf, "index = %q\n", d.Index)
		}
	case KindGit:
		fmt.Fprintf(&buf, "repo = %q\nrev = %q\n", d.Repo, d.Rev)
		if d.Path != "" {
			fmt.Fprintf(&buf, "path = %q\n", d.Path)
		}
	case KindWorkspace:
		fmt.Fprintf(&buf, "workspace = %q\n", d.Workspace)
		if d.VersionReq != "" {
			fmt.Fprintf(&buf, "version = %q\n", d.VersionReq)
		}
		if d.Target != "" {
			fmt.Fprintf(&buf, "target = %q\n", d.Target)
		}
	case KindPath:
		fmt.Fprintf(&buf, "path = %q\n", d.Path)
	default:
		return nil, fmt.Errorf("cannot marshal a dependency specifier with no kind set")
	}
	return buf.Bytes(), nil
}

// ToMap renders the populated variant as the generic map form UnmarshalTOML
// accepts, for callers (the lockfile writer) that build TOML documents out of
// plain values rather than through struct tags.
func (d DependencySpecifier) ToMap() map[string]interface{} {
	m := make(map[string]interface{})
	switch d.Kind {
	case KindRegistry:
		m["name"] = d.Name
		m["version"] = d.VersionReq
		if d.Index != "" {
			m["index"] = d.Index
		}
		if d.Target != "" {
			m["target"] = d.Target
		}
	case KindLegacy:
		m["wally"] = d.Wally
		m["version"] = d.VersionReq
		if d.Index != "" {
			m["index"] = d.Index
		}
	case KindGit:
		m["repo"] = d.Repo
		m["rev"] = d.Rev
		if d.Path != "" {
			m["path"] = d.Path
		}
	case KindWorkspace:
		m["workspace"] = d.Workspace
		if d.VersionReq != "" {
			m["version"] = d.VersionReq
		}
		if d.Target != "" {
			m["target"] = d.Target
		}
	case KindPath:
		m["path"] = d.Path
	}
	return m
}

// WorkspaceVersionKind classifies the shorthand forms the Workspace
// variant's version field may take: a bare relational operator meaning
// "derive the requirement from the member's own version", or a full
// semver requirement string.
type WorkspaceVersionKind int

const (
	WorkspaceVersionCaret WorkspaceVersionKind = iota
	WorkspaceVersionTilde
	WorkspaceVersionExact
	WorkspaceVersionAny
	WorkspaceVersionReq
)

// ParseWorkspaceVersion classifies d.VersionReq for a Workspace specifier.
// An empty string defaults to WorkspaceVersionCaret, matching the most
// permissive common case.
func (d DependencySpecifier) ParseWorkspaceVersion() (WorkspaceVersionKind, string) {
	switch d.VersionReq {
	case "", "^":
		return WorkspaceVersionCaret, ""
	case "~":
		return WorkspaceVersionTilde, ""
	case "=":
		return WorkspaceVersionExact, ""
	case "*":
		return WorkspaceVersionAny, ""
	default:
		return WorkspaceVersionReq, d.VersionReq
	}
}

// DependencyType is the declared relationship of a dependency edge.
type DependencyType int

const (
	DependencyStandard DependencyType = iota
	DependencyPeer
	DependencyDev
)

func (t DependencyType) String() string {
	switch t {
	case DependencyStandard:
		return "standard"
	case DependencyPeer:
		return "peer"
	case DependencyDev:
		return "dev"
	default:
		return "unknown"
	}
}

// ParseDependencyType is the inverse of DependencyType.String, used when
// reading a lockfile back in.
func ParseDependencyType(s string) (DependencyType, error) {
	switch s {
	case "standard":
		return DependencyStandard, nil
	case "peer":
		return DependencyPeer, nil
	case "dev":
		return DependencyDev, nil
	default:
		return 0, fmt.Errorf("unknown dependency type %q", s)
	}
}

// Alias is a user-chosen identifier for a dependency edge. Equality is
// case-insensitive; the character set is ASCII alphanumeric plus "-_".
type Alias string

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseAlias validates s as an Alias.
func ParseAlias(s string) (Alias, error) {
	if s == "" || !aliasPattern.MatchString(s) {
		return "", fmt.Errorf("alias %q must be non-empty ASCII alphanumeric, \"-\", or \"_\"", s)
	}
	return Alias(s), nil
}

// Equal compares two aliases case-insensitively.
func (a Alias) Equal(other Alias) bool {
	return strings.EqualFold(string(a), string(other))
}

// CheckEngineCollision returns an error if alias collides (case-
// insensitively) with any name in engineNames.
func CheckEngineCollision(alias Alias, engineNames []string) error {
	for _, name := range engineNames {
		if alias.Equal(Alias(name)) {
			return fmt.Errorf("alias %q collides with engine name %q", alias, name)
		}
	}
	return nil
}
