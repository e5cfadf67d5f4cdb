package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesde-go/pesde/pkg/specifier"
)

const sampleManifest = `
name = "acme/widgets"
version = "1.0.0"
authors = ["Acme Corp"]

[target]
environment = "generic-runtime"
lib = "src/init.luau"

[indices]
default = "https://index.example.com"

[dependencies]
dep_a = { name = "other/dep", version = "^1.0.0", index = "default" }

[peer_dependencies]
dep_b = { name = "other/peer", version = "^2.0.0", index = "default" }
`

func TestLoadAndValidate(t *testing.T) {
	var m Manifest
	_, err := toml.Decode(sampleManifest, &m)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	kind, err := m.Target.Kind()
	require.NoError(t, err)
	assert.Equal(t, "generic-runtime", kind.String())
}

func TestDuplicateAliasAcrossTablesRejected(t *testing.T) {
	doc := sampleManifest + "\n[dev_dependencies]\ndep_a = { name = \"other/dep\", version = \"^1.0.0\" }\n"
	var m Manifest
	_, err := toml.Decode(doc, &m)
	require.NoError(t, err)
	assert.Error(t, m.Validate())
}

func TestDirectDependenciesUnion(t *testing.T) {
	var m Manifest
	_, err := toml.Decode(sampleManifest, &m)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	direct := m.DirectDependencies()
	assert.Len(t, direct, 2)
}

func TestWorkspaceMembersGlob(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "pkg-a"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "pkg-b"), 0o755))

	m := &Manifest{Workspace: []string{"pkg-*"}}
	members, err := m.WorkspaceMembers(root)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestLoadFromDisk(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "pesde.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", m.Name)
}

func TestOverrideKeyParseAndMatch(t *testing.T) {
	key, err := ParseOverrideKey("a>sub")
	require.NoError(t, err)

	assert.True(t, key.Matches([]specifier.Alias{"a"}, "sub"))
	assert.False(t, key.Matches([]specifier.Alias{"x"}, "sub"))
}
