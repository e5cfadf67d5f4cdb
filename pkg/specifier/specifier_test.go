package specifier

import (
	"bytes"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wrapper struct {
	Dep DependencySpecifier `toml:"dep"`
}

func decode(t *testing.T, doc string) DependencySpecifier {
	t.Helper()
	var w wrapper
	_, err := toml.Decode(doc, &w)
	require.NoError(t, err)
	return w.Dep
}

func TestUnmarshalRegistry(t *testing.T) {
	d := decode(t, `[dep]
name = "acme/widgets"
version = "^1.2.3"
index = "default"
target = "generic-runtime"
`)
	assert.Equal(t, KindRegistry, d.Kind)
	assert.Equal(t, "acme/widgets", d.Name)
	assert.Equal(t, "^1.2.3", d.VersionReq)
	assert.Equal(t, "default", d.Index)
	assert.Equal(t, "generic-runtime", d.Target)
}

func TestUnmarshalLegacy(t *testing.T) {
	d := decode(t, `[dep]
wally = "scope/name"
version = "1.0.0"
`)
	assert.Equal(t, KindLegacy, d.Kind)
	assert.Equal(t, "scope/name", d.Wally)
}

func TestUnmarshalGit(t *testing.T) {
	d := decode(t, `[dep]
repo = "https://example.com/a/b.git"
rev = "main"
path = "sub/dir"
`)
	assert.Equal(t, KindGit, d.Kind)
	assert.Equal(t, "main", d.Rev)
	assert.Equal(t, "sub/dir", d.Path)
}

func TestUnmarshalWorkspace(t *testing.T) {
	d := decode(t, `[dep]
workspace = "acme/widgets"
version = "^"
`)
	assert.Equal(t, KindWorkspace, d.Kind)
	kind, _ := d.ParseWorkspaceVersion()
	assert.Equal(t, WorkspaceVersionCaret, kind)
}

func TestUnmarshalPath(t *testing.T) {
	d := decode(t, `[dep]
path = "/abs/path"
`)
	assert.Equal(t, KindPath, d.Kind)
	assert.Equal(t, "/abs/path", d.Path)
}

func TestUnmarshalMissingDiscriminator(t *testing.T) {
	var w wrapper
	_, err := toml.Decode(`[dep]
version = "1.0.0"
`, &w)
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	d := DependencySpecifier{Kind: KindRegistry, Name: "acme/widgets", VersionReq: "^1.0.0"}
	out, err := d.MarshalTOML()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(out, []byte(`name = "acme/widgets"`)))
	assert.Equal(t, d, decode(t, "[dep]\n"+string(out)))
}

func TestParseAlias(t *testing.T) {
	_, err := ParseAlias("valid-alias_1")
	assert.NoError(t, err)

	_, err = ParseAlias("invalid alias")
	assert.Error(t, err)
}

func TestAliasEqualCaseInsensitive(t *testing.T) {
	a, _ := ParseAlias("Foo")
	b, _ := ParseAlias("foo")
	assert.True(t, a.Equal(b))
}

func TestCheckEngineCollision(t *testing.T) {
	err := CheckEngineCollision(Alias("pesde"), []string{"pesde"})
	assert.Error(t, err)

	err = CheckEngineCollision(Alias("other"), []string{"pesde"})
	assert.NoError(t, err)
}
