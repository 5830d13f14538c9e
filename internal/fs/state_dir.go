package fs

import (
	"github.com/adrg/xdg"
	"github.com/kptn-dev/kptn/internal/turbopath"
)

// GetStateDataDir returns kptn's own directory under the XDG data home,
// outside of any task's working tree.
func GetStateDataDir() turbopath.AbsoluteSystemPath {
	dataHome := turbopath.AbsoluteSystemPathFromUpstream(xdg.DataHome)
	return dataHome.UntypedJoin("kptn")
}
