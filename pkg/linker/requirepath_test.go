package linker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesde-go/pesde/pkg/manifest"
	"github.com/pesde-go/pesde/pkg/semverx"
)

func TestLuauRequirePath(t *testing.T) {
	p, err := luauRequirePath(
		"/proj/generic-runtime_packages",
		"/proj/generic-runtime_packages/.pesde/acme+gears/0.3.0/gears",
		"lib/init.luau",
	)
	require.NoError(t, err)
	assert.Equal(t, `"./.pesde/acme+gears/0.3.0/gears/lib"`, p)
}

func TestLuauRequirePathSibling(t *testing.T) {
	p, err := luauRequirePath(
		"/proj/generic-runtime_packages/.pesde/acme+widgets/1.0.0",
		"/proj/generic-runtime_packages/.pesde/acme+gears/0.3.0/gears",
		"src/main.luau",
	)
	require.NoError(t, err)
	assert.Equal(t, `"../../acme+gears/0.3.0/gears/src/main"`, p)
}

func TestStripModuleTail(t *testing.T) {
	assert.Equal(t, "a/b", stripModuleTail("a/b/init.luau"))
	assert.Equal(t, "a/b", stripModuleTail("a/b/init.lua"))
	assert.Equal(t, "a/b/main", stripModuleTail("a/b/main.luau"))
	assert.Equal(t, "a/b/main", stripModuleTail("a/b/main.lua"))
	assert.Equal(t, "a/b/main", stripModuleTail("a/b/main"))
}

func TestRobloxRequirePathFromPlace(t *testing.T) {
	place := &manifest.PlaceTable{Shared: "game.ReplicatedStorage.Packages"}
	p, err := robloxRequirePathFromPlace(place, semverx.TargetBrowserShared,
		"/proj",
		"/proj/browser-shared_packages/.pesde/acme+gears/0.3.0/gears",
		"lib/init.luau",
	)
	require.NoError(t, err)
	assert.Equal(t, `game.ReplicatedStorage.Packages:FindFirstChild("browser-shared_packages"):FindFirstChild(".pesde"):FindFirstChild("acme+gears"):FindFirstChild("0.3.0"):FindFirstChild("gears"):FindFirstChild("lib")`, p)
}

func TestRobloxRequirePathMissingPlace(t *testing.T) {
	_, err := robloxRequirePathFromPlace(nil, semverx.TargetBrowserServer, "/proj", "/proj/browser-server_packages/x", "init.luau")
	var placeErr *PlaceRootError
	require.ErrorAs(t, err, &placeErr)
	assert.Equal(t, semverx.TargetBrowserServer, placeErr.Target)
}

func TestRobloxRequirePathFromScript(t *testing.T) {
	p, err := robloxRequirePathFromScript(
		"/proj/browser-shared_packages",
		"/proj/browser-shared_packages/.pesde/legacy_dep@1.0.0/dep",
		"src/init.lua",
	)
	require.NoError(t, err)
	assert.Equal(t, `script.Parent:FindFirstChild(".pesde"):FindFirstChild("legacy_dep@1.0.0"):FindFirstChild("dep"):FindFirstChild("src")`, p)
}

func TestRobloxRequirePathStripsExtension(t *testing.T) {
	p, err := robloxRequirePathFromScript(
		"/proj/browser-shared_packages",
		"/proj/browser-shared_packages/.pesde/legacy_dep@1.0.0/dep",
		"src/main.lua",
	)
	require.NoError(t, err)
	assert.Equal(t, `script.Parent:FindFirstChild(".pesde"):FindFirstChild("legacy_dep@1.0.0"):FindFirstChild("dep"):FindFirstChild("src"):FindFirstChild("main")`, p)
}

func TestRobloxRequirePathFromScriptClimbs(t *testing.T) {
	p, err := robloxRequirePathFromScript(
		"/proj/browser-shared_packages/.pesde/acme+a/1.0.0",
		"/proj/browser-shared_packages/.pesde/acme+b/2.0.0/b",
		"init.luau",
	)
	require.NoError(t, err)
	assert.Equal(t, `script.Parent.Parent.Parent:FindFirstChild("acme+b"):FindFirstChild("2.0.0"):FindFirstChild("b")`, p)
}
