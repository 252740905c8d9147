/*
Copyright © 2026 the dasymap authors.
This file is part of dasymap.

dasymap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

dasymap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with dasymap.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package dasymap redistributes administrative population counts onto
// land-cover polygons using dasymetric refinement. Region populations are
// apportioned to the intersections of regions and land-cover polygons
// according to a per-class population likelihood weight and the area of
// each intersection.
package dasymap

import (
	"fmt"

	"github.com/ctessum/geom"
)

// Version gives the version number.
const Version = "0.3.0"

// Region is a population-bearing administrative polygon.
type Region struct {
	geom.Polygonal

	// ID uniquely identifies the region. Regions with a blank ID are
	// not allowed to enter the overlay.
	ID string

	// Population is the number of people living in the region.
	Population float64
}

// LandCover is a land-cover classification polygon.
type LandCover struct {
	geom.Polygonal

	// Class is the land-cover class code, for example 111 for
	// continuous urban fabric in the CORINE nomenclature.
	Class int
}

// WeightedLandCover is a land-cover polygon carrying the population
// likelihood percent of its class. Percent is undefined if the class
// has no entry in the weight table.
type WeightedLandCover struct {
	*LandCover
	Percent Value
}

// SegmentKey identifies the (region, land-cover class) combination a
// segment belongs to. Several segments share a key when a class occurs
// as more than one polygon within a region.
type SegmentKey struct {
	Region string
	Class  int
}

func (k SegmentKey) String() string { return fmt.Sprintf("%s/%d", k.Region, k.Class) }

// Segment is the intersection of one region and one weighted land-cover
// polygon.
type Segment struct {
	geom.Polygon

	Key        SegmentKey
	Population float64 // population of the whole region
	Percent    Value   // likelihood percent of the class

	// Fields below are filled in by Normalize.

	AreaKm2          float64
	NormalizedWeight Value
	AreaWeighted     Value
	WeightSum        Value // sum of distinct class percents in the region
	AreaWeightedSum  Value // sum of AreaWeighted over the region
	Fraction         Value // share of the region population

	// lcIndex and regionIndex are the input positions of the land-cover
	// polygon and region the segment was cut from. They make the
	// segment order independent of how the overlay was scheduled.
	lcIndex, regionIndex int
}

// Estimate returns the number of people assigned to s.
func (s *Segment) Estimate() Value {
	return Def(s.Population).Mul(s.Fraction)
}

// Record is one row of ancillary data: a segment with a defined
// population estimate and an identifier that is unique within one run.
type Record struct {
	geom.Polygon

	ID       int
	RegionID string
	Class    int
	Weight   float64 // normalized class weight
	AreaKm2  float64
	Fraction float64
	EstPop   float64
}
