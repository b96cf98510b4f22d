package layout

import "github.com/ricochet1k/termtabs/internal/domain"

// Zone is the region of a drop target a dragged tab was released over.
type Zone string

const (
	ZoneLeft   Zone = "left"
	ZoneRight  Zone = "right"
	ZoneTop    Zone = "top"
	ZoneBottom Zone = "bottom"
	ZoneCenter Zone = "center"
)

// EdgeMargin is the fraction of the target's width or height, measured from
// each edge, that triggers a merge.
const EdgeMargin = 0.2

// DetectDropZone maps a point relative to a target of size width x height to
// a zone. Left and right margins are checked first, so corners resolve to a
// vertical split.
func DetectDropZone(x, y, width, height float64) Zone {
	if width <= 0 || height <= 0 {
		return ZoneCenter
	}
	fx := x / width
	fy := y / height
	switch {
	case fx < EdgeMargin:
		return ZoneLeft
	case fx > 1-EdgeMargin:
		return ZoneRight
	case fy < EdgeMargin:
		return ZoneTop
	case fy > 1-EdgeMargin:
		return ZoneBottom
	default:
		return ZoneCenter
	}
}

// Axis returns the split type a merge into this zone produces.
func (z Zone) Axis() domain.SplitType {
	switch z {
	case ZoneLeft, ZoneRight:
		return domain.SplitVertical
	case ZoneTop, ZoneBottom:
		return domain.SplitHorizontal
	default:
		return domain.SplitSingle
	}
}

// first reports whether the dragged terminal takes pane 0.
func (z Zone) first() bool {
	return z == ZoneLeft || z == ZoneTop
}
