package common

import serrors "guardiansettle/core/errors"

// Module names recognised by the pause guard.
const (
	ModuleAuction  = "auction"
	ModuleYield    = "yield"
	ModuleStaking  = "staking"
	ModuleTransfer = "transfer"
)

// PauseView reports whether a module currently refuses state changes.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns a Paused settlement error naming the module when p reports
// it paused. A nil view never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return serrors.New(serrors.KindPaused, "module", module, "module paused")
	}
	return nil
}
