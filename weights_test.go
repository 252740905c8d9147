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
	"errors"
	"reflect"
	"testing"
)

func TestWeightTableFilterJoin(t *testing.T) {
	w := WeightTable{112: 80, 111: 20, 999: 0}
	if c := w.Classes(); !reflect.DeepEqual(c, []int{111, 112, 999}) {
		t.Errorf("classes: %v", c)
	}
	lc := []*LandCover{
		{Polygonal: rect(0, 0, 1, 1), Class: 111},
		{Polygonal: rect(0, 0, 1, 1), Class: 311},
		{Polygonal: rect(0, 0, 1, 1), Class: 311},
		{Polygonal: rect(0, 0, 1, 1), Class: 999},
	}
	kept, removed := w.Filter(lc)
	if len(kept) != 2 || kept[0].Class != 111 || kept[1].Class != 999 {
		t.Errorf("kept: %v", kept)
	}
	if !reflect.DeepEqual(removed, map[int]int{311: 2}) {
		t.Errorf("removed: %v", removed)
	}

	joined := Join(lc, w)
	want := []Value{Def(20), {}, {}, Def(0)}
	for i, j := range joined {
		if j.LandCover != lc[i] {
			t.Errorf("%d: wrong land cover", i)
		}
		if j.Percent != want[i] {
			t.Errorf("%d: percent %v != %v", i, j.Percent, want[i])
		}
	}
}

func TestInconsistentWeights(t *testing.T) {
	segs := []*Segment{
		{Polygon: rect(0, 0, 1, 1), Key: SegmentKey{Region: "R", Class: 111}, Percent: Def(20)},
		{Polygon: rect(1, 0, 2, 1), Key: SegmentKey{Region: "R", Class: 111}, Percent: Def(30)},
	}
	if _, err := Normalize(segs, DefaultAreaScale); !errors.Is(err, ErrPrecondition) {
		t.Errorf("want precondition failure, have %v", err)
	}
}

func TestApportionDropsUndefined(t *testing.T) {
	segs := []*Segment{
		{Key: SegmentKey{Region: "A", Class: 1}, Population: 10, Fraction: Def(0.25)},
		{Key: SegmentKey{Region: "A", Class: 2}, Population: 10},
		{Key: SegmentKey{Region: "B", Class: 1}, Population: 4, Fraction: Def(1)},
	}
	recs := Apportion(segs)
	if len(recs) != 2 {
		t.Fatalf("have %d records", len(recs))
	}
	if recs[0].ID != 1 || recs[0].EstPop != 2.5 || recs[1].ID != 2 || recs[1].EstPop != 4 || recs[1].RegionID != "B" {
		t.Errorf("records: %+v, %+v", recs[0], recs[1])
	}
}
