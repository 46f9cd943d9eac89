package aggregate

import (
	"fmt"

	"hexpulse/api/internal/hexgrid"
)

type breakpoint struct {
	belowZoom  int
	resolution int
}

// zoomBreakpoints is the single zoom->resolution table used by every
// aggregate view. Entries must be sorted by belowZoom with non-decreasing
// resolution.
var zoomBreakpoints = []breakpoint{
	{belowZoom: 6, resolution: 5},
	{belowZoom: 8, resolution: 6},
	{belowZoom: 10, resolution: 7},
}

const finestResolution = 8

// ResolutionForZoom maps a map zoom level to the ancestor resolution cells
// are aggregated at. Coarser at low zoom.
func ResolutionForZoom(zoom int) int {
	for _, bp := range zoomBreakpoints {
		if zoom < bp.belowZoom {
			return bp.resolution
		}
	}
	return finestResolution
}

// Bin returns the cell a record at cell is counted under for a target
// resolution. Leaf cells coarser than res are binned at their own
// resolution, so accepted resolution-7 records stay visible at the finest
// zooms. Cells coarser than any accepted leaf are rejected.
func Bin(grid hexgrid.Index, cell string, res int) (string, int, error) {
	own, err := grid.Resolution(cell)
	if err != nil {
		return "", 0, err
	}
	if own < hexgrid.MinLeafResolution {
		return "", 0, fmt.Errorf("cell %s at resolution %d is coarser than a leaf", cell, own)
	}
	res = min(res, own)
	parent, err := grid.Parent(cell, res)
	if err != nil {
		return "", 0, err
	}
	return parent, res, nil
}
