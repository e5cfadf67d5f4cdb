package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/pesde-go/pesde/pkg/graph"
	"github.com/pesde-go/pesde/pkg/semverx"
)

// PackagesContainer is the directory inside each packages folder that holds
// the actual package trees; the folder root itself holds only shim files.
const PackagesContainer = ".pesde"

// packageRoot computes the directory a node's PackageFS is materialized
// into. Native packages nest escaped-name/version/shortname; legacy-style
// packages use the flat scope_name@version/name layout their ecosystem's
// tooling expects.
func packageRoot(projectRoot, folder string, ref graph.PackageRef) string {
	container := filepath.Join(projectRoot, folder, PackagesContainer)
	if ref.LikeWally() {
		dir := fmt.Sprintf("%s_%s@%s", ref.Name.Scope, ref.Name.Name, ref.Version.Version.String())
		return filepath.Join(container, dir, ref.Name.Name)
	}
	return filepath.Join(container, ref.Name.Escaped(), ref.Version.Version.String(), ref.Name.Name)
}

// allPackagesFolders returns every packages-folder name, the fixed set wiped
// and re-created on each install. A dependency of any target may appear in
// any project, so all four folders are owned regardless of the project's own
// target.
func allPackagesFolders() []string {
	kinds := semverx.Kinds()
	folders := make([]string, 0, len(kinds))
	for _, k := range kinds {
		folders = append(folders, k.PackagesFolder())
	}
	return folders
}
