package planner

import (
	"math"
	"strings"

	"github.com/FLASH-73/assembler/pkg/assembly"
)

// coverFlatness is the min/max extent ratio below which a part is a cover or lid.
const coverFlatness = 0.15

// smallPartVolume is the volume (m³) below which a part is a fastener (~10 mm cube).
const smallPartVolume = 1e-6

// Radius limits (m) below which cylinders need a taught policy.
const (
	pinRadiusWithContacts    = 0.008
	pinRadiusWithoutContacts = 0.005
)

// internalKeywords mark parts that are never covers even when flat.
var internalKeywords = []string{"bearing", "gear", "pin", "shaft", "ring", "bushing"}

// teachingKeywords mark parts whose insertion needs a taught policy when they touch anything.
var teachingKeywords = []string{"gear", "bearing", "ring", "snap", "clip"}

// Volume approximates the part volume from its shape and dimensions.
// Missing dimensions default to 0.05 m.
func Volume(p *assembly.Part) float64 {
	switch p.Shape() {
	case assembly.GeometrySphere:
		r := p.Dim(0)
		return 4.0 / 3.0 * math.Pi * r * r * r
	case assembly.GeometryCylinder:
		r := p.Dim(0)
		return math.Pi * r * r * p.Dim(1)
	default:
		return p.Dim(0) * p.Dim(1) * p.Dim(2)
	}
}

// Flatness returns the ratio of the smallest to the largest bounding extent.
// Cylinders use their diameter for both radial extents; spheres are never flat.
func Flatness(p *assembly.Part) float64 {
	var extents []float64
	switch p.Shape() {
	case assembly.GeometrySphere:
		return 1
	case assembly.GeometryCylinder:
		d := 2 * p.Dim(0)
		extents = []float64{d, d, p.Dim(1)}
	default:
		extents = []float64{p.Dim(0), p.Dim(1), p.Dim(2)}
	}

	lo, hi := extents[0], extents[0]
	for _, e := range extents[1:] {
		lo = math.Min(lo, e)
		hi = math.Max(hi, e)
	}
	if hi <= 0 {
		return 1
	}
	return lo / hi
}

// IsCover reports whether the part is a flat cover or lid that must be assembled last.
func IsCover(p *assembly.Part) bool {
	return Flatness(p) < coverFlatness && !containsAny(p.ID, internalKeywords)
}

// height returns the assembled vertical (Y) position of the part.
func height(p *assembly.Part) float64 {
	if len(p.Position) > 1 {
		return p.Position[1]
	}
	return 0
}

func containsAny(id string, keywords []string) bool {
	lower := strings.ToLower(id)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
