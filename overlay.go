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
	"context"
	"runtime"
	"sort"
	"strings"

	"github.com/ctessum/geom/index/rtree"
	"golang.org/x/sync/errgroup"
)

// indexedRegion is a region stored in the spatial index together with
// its position in the input.
type indexedRegion struct {
	*Region
	i int
}

// Overlay intersects every weighted land-cover polygon with every region
// it overlaps, returning one segment per non-empty intersection.
// Segments whose region identifier is empty or white space are dropped. The work is
// spread across workers goroutines (GOMAXPROCS if workers < 1); the
// returned segments are sorted by key and input position, so the result
// does not depend on the number of workers.
func Overlay(ctx context.Context, regions []*Region, lc []*WeightedLandCover, workers int) ([]*Segment, error) {
	index := rtree.NewTree(25, 50)
	for i, r := range regions {
		index.Insert(&indexedRegion{Region: r, i: i})
	}

	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	parts := make([][]*Segment, workers)
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < workers; p++ {
		p := p
		g.Go(func() error {
			for i := p; i < len(lc); i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				parts[p] = append(parts[p], intersect(index, lc[i], i)...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var segs []*Segment
	for _, part := range parts {
		for _, s := range part {
			if strings.TrimSpace(s.Key.Region) == "" {
				continue
			}
			segs = append(segs, s)
		}
	}
	sortSegments(segs)
	return segs, nil
}

// intersect clips l against each region in index whose bounds overlap it.
func intersect(index *rtree.Rtree, l *WeightedLandCover, lcIndex int) []*Segment {
	var o []*Segment
	for _, rI := range index.SearchIntersect(l.Bounds()) {
		r := rI.(*indexedRegion)
		isect := l.Intersection(r.Polygonal)
		if len(isect) == 0 {
			continue
		}
		o = append(o, &Segment{
			Polygon:     isect,
			Key:         SegmentKey{Region: r.ID, Class: l.Class},
			Population:  r.Population,
			Percent:     l.Percent,
			lcIndex:     lcIndex,
			regionIndex: r.i,
		})
	}
	return o
}

// sortSegments sorts segments so that the order doesn't change between
// program runs.
func sortSegments(segs []*Segment) {
	sort.Slice(segs, func(i, j int) bool {
		si, sj := segs[i], segs[j]
		if si.Key.Region != sj.Key.Region {
			return si.Key.Region < sj.Key.Region
		}
		if si.Key.Class != sj.Key.Class {
			return si.Key.Class < sj.Key.Class
		}
		if si.lcIndex != sj.lcIndex {
			return si.lcIndex < sj.lcIndex
		}
		return si.regionIndex < sj.regionIndex
	})
}
