// Package reach implements the reachability window from spec.md §4.I: when
// emitting Instruction messages around a patch site, a neighbor is only
// reachable (and thus only ever emitted on that site's account) while it
// sits within a short-jump's displacement budget.
package reach

import "math"

// Window is the byte budget spec.md §4.I derives: INT8_MAX (short-jump
// displacement budget) + 2 (short-jump instruction size) + 15 (max x86
// instruction size).
const Window = math.MaxInt8 + 2 + 15 // 144

// InWindow reports whether addr' (at) is within Window bytes of the patch
// site addr.
func InWindow(siteAddr, at uint64) bool {
	var delta uint64
	if at >= siteAddr {
		delta = at - siteAddr
	} else {
		delta = siteAddr - at
	}
	return delta <= Window
}
