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
)

// WeightTable maps land-cover class codes to the relative tendency of the
// class to host population, in percent. The percents are global constants
// and do not need to sum to 100.
type WeightTable map[int]float64

// Check makes sure that the table is not empty and that every percent is
// finite and non-negative.
func (w WeightTable) Check() error {
	if len(w) == 0 {
		return Preconditionf("dasymap: the weight table is empty")
	}
	for _, c := range w.Classes() {
		p := w[c]
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return Preconditionf("dasymap: weight for class %d is not a finite number", c)
		}
		if p < 0 {
			return Preconditionf("dasymap: weight for class %d is negative (%g)", c, p)
		}
	}
	return nil
}

// Classes returns the class codes in the table in ascending order.
func (w WeightTable) Classes() []int {
	o := make([]int, 0, len(w))
	for c := range w {
		o = append(o, c)
	}
	sort.Ints(o)
	return o
}

// Filter returns the land-cover polygons whose class is in the table,
// and the number of polygons removed for each class that is not.
func (w WeightTable) Filter(lc []*LandCover) (kept []*LandCover, removed map[int]int) {
	removed = make(map[int]int)
	kept = make([]*LandCover, 0, len(lc))
	for _, l := range lc {
		if _, ok := w[l.Class]; !ok {
			removed[l.Class]++
			continue
		}
		kept = append(kept, l)
	}
	return kept, removed
}

// Join attaches the likelihood percent of its class to each land-cover
// polygon. A class that is missing from w gets an undefined percent, so
// that its segments are dropped later rather than counted with zero weight.
func Join(lc []*LandCover, w WeightTable) []*WeightedLandCover {
	o := make([]*WeightedLandCover, len(lc))
	for i, l := range lc {
		o[i] = &WeightedLandCover{LandCover: l}
		if p, ok := w[l.Class]; ok {
			o[i].Percent = Def(p)
		}
	}
	return o
}
