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

package dasymap

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// DefaultAreaScale converts square meters to square kilometers.
const DefaultAreaScale = 1.e-6

// Aggregates holds the per-region sums computed while normalizing.
// It is not modified after Normalize returns.
type Aggregates struct {
	// WeightSum is the sum of the likelihood percents of the distinct
	// classes present in each region.
	WeightSum map[string]Value

	// AreaWeightedSum is the sum of the area-weighted values of the
	// defined segments in each region. Regions without any defined
	// segment have no entry.
	AreaWeightedSum map[string]Value
}

// Undefined returns the IDs of the regions whose population cannot be
// apportioned because one of their sums is zero or undefined, in
// ascending order.
func (a *Aggregates) Undefined() []string {
	var o []string
	for r, ws := range a.WeightSum {
		aws, ok := a.AreaWeightedSum[r]
		if !ws.Defined || ws.Float == 0 || !ok || !aws.Defined || aws.Float == 0 {
			o = append(o, r)
		}
	}
	sort.Strings(o)
	return o
}

// Normalize fills in the area, normalized weight, area-weighted value and
// population fraction of each segment. areaScale converts the planar
// area units of the geometry to square kilometers.
//
// The first pass sums the percents of the distinct (region, class) keys
// in each region, and fails if two segments sharing a key carry
// different percents. The second pass sums the area-weighted values of
// each region. Each pass completes before any segment reads its result.
func Normalize(segs []*Segment, areaScale float64) (*Aggregates, error) {
	if areaScale <= 0 || math.IsNaN(areaScale) || math.IsInf(areaScale, 0) {
		return nil, Preconditionf("dasymap: area scale must be a positive number but is %g", areaScale)
	}
	weightSum, err := weightSums(segs)
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		ws := weightSum[s.Key.Region]
		s.WeightSum = ws
		s.NormalizedWeight = s.Percent.Div(ws).Mul(Def(100))
		s.AreaKm2 = math.Abs(s.Polygon.Area()) * areaScale
		s.AreaWeighted = s.NormalizedWeight.Mul(Def(s.AreaKm2))
	}

	areaWeightedSum := areaWeightedSums(segs)
	for _, s := range segs {
		aws, ok := areaWeightedSum[s.Key.Region]
		if !ok {
			continue
		}
		s.AreaWeightedSum = aws
		s.Fraction = s.AreaWeighted.Div(aws)
	}
	return &Aggregates{
		WeightSum:       weightSum,
		AreaWeightedSum: areaWeightedSum,
	}, nil
}

// weightSums returns the sum of the distinct class percents in each
// region. Undefined percents do not contribute.
func weightSums(segs []*Segment) (map[string]Value, error) {
	percent := make(map[SegmentKey]Value)
	perRegion := make(map[string][]float64)
	for _, s := range segs {
		p, ok := percent[s.Key]
		if ok {
			if p != s.Percent {
				return nil, Preconditionf("dasymap: segments of %s have inconsistent weights %v and %v",
					s.Key, p, s.Percent)
			}
			continue
		}
		percent[s.Key] = s.Percent
		if _, ok := perRegion[s.Key.Region]; !ok {
			perRegion[s.Key.Region] = nil
		}
		if s.Percent.Defined {
			perRegion[s.Key.Region] = append(perRegion[s.Key.Region], s.Percent.Float)
		}
	}
	o := make(map[string]Value, len(perRegion))
	for r, v := range perRegion {
		o[r] = Def(floats.Sum(v))
	}
	return o, nil
}

// areaWeightedSums returns the sum of the defined area-weighted values of
// the segments in each region.
func areaWeightedSums(segs []*Segment) map[string]Value {
	perRegion := make(map[string][]float64)
	for _, s := range segs {
		if !s.AreaWeighted.Defined {
			continue
		}
		perRegion[s.Key.Region] = append(perRegion[s.Key.Region], s.AreaWeighted.Float)
	}
	o := make(map[string]Value, len(perRegion))
	for r, v := range perRegion {
		o[r] = Def(floats.Sum(v))
	}
	return o
}
