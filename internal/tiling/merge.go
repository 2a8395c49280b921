package tiling

import (
	"image"
	"sort"

	"github.com/groweye/plantcount/internal/geom"
	"github.com/groweye/plantcount/internal/inference"
	"github.com/groweye/plantcount/internal/model"
)

// candidate is one tile-local detection translated into region coordinates,
// awaiting cross-tile merging.
type candidate struct {
	box        image.Rectangle
	confidence float64
	class      string
}

// seamContainment is the containment ratio above which two boxes are treated
// as the same item even when their IoU is low. A detection truncated at a
// tile seam is almost fully contained in the full-item box reported by the
// neighboring tile, but its IoU against it can fall well under the merge
// threshold.
const seamContainment = 0.8

// mergeCandidates merges detections across tile boundaries with a greedy
// non-max merge: candidates are grouped by IoU (or seam containment) and each
// group emits a single representative with the union box and the group's best
// confidence. Unlike plain suppression this neither drops nor duplicates an
// item straddling a tile seam.
func mergeCandidates(cands []candidate, iouThreshold float64) []model.Detection {
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].confidence > cands[j].confidence
	})

	used := make([]bool, len(cands))
	var out []model.Detection
	for i := range cands {
		if used[i] {
			continue
		}
		used[i] = true
		group := cands[i]

		// Absorb weaker overlapping candidates into the representative.
		for j := i + 1; j < len(cands); j++ {
			if used[j] || cands[j].class != group.class {
				continue
			}
			if geom.IoU(group.box, cands[j].box) > iouThreshold ||
				geom.Containment(group.box, cands[j].box) > seamContainment {
				used[j] = true
				group.box = group.box.Union(cands[j].box)
			}
		}

		det := model.DetectionFromBox(group.box, group.confidence)
		det.IsEmptyContainer = group.class == inference.ClassEmptyContainer
		det.IsAlive = group.class == inference.ClassPlant
		out = append(out, det)
	}
	return out
}
