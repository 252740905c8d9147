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

// Apportion converts normalized segments into ancillary records holding
// each segment's share of its region's population. Segments whose
// estimate is undefined are dropped. The remaining records are numbered
// 1..n in segment order. No rounding is applied.
func Apportion(segs []*Segment) []*Record {
	o := make([]*Record, 0, len(segs))
	for _, s := range segs {
		est := s.Estimate()
		if !est.Defined {
			continue
		}
		o = append(o, &Record{
			Polygon:  s.Polygon,
			ID:       len(o) + 1,
			RegionID: s.Key.Region,
			Class:    s.Key.Class,
			Weight:   s.NormalizedWeight.Float,
			AreaKm2:  s.AreaKm2,
			Fraction: s.Fraction.Float,
			EstPop:   est.Float,
		})
	}
	return o
}
