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
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/dasymap/internal/hash"
	"gonum.org/v1/gonum/floats"
)

// Refiner apportions region populations onto land-cover polygons.
type Refiner struct {
	// Weights holds the population likelihood percent of each
	// land-cover class.
	Weights WeightTable

	// AreaScale converts the planar area units of the geometry to
	// square kilometers. Zero means DefaultAreaScale.
	AreaScale float64

	// Workers is the number of goroutines used for the overlay.
	// Zero means GOMAXPROCS.
	Workers int

	// Log receives progress messages. Nil means logrus.StandardLogger().
	Log logrus.FieldLogger
}

// Result is the output of a refinement run.
type Result struct {
	Records    []*Record
	Segments   []*Segment
	Aggregates *Aggregates
	Summary    *Summary
}

// RegionSummary compares the population of a region with the
// population apportioned to its records.
type RegionSummary struct {
	ID                          string
	PopulationIn, PopulationOut float64
}

// Summary describes a refinement run.
type Summary struct {
	Regions, ExcludedRegions int
	LandCover, LandCoverKept int

	// Filtered holds the number of land-cover polygons removed for each
	// class that is not in the weight table.
	Filtered map[int]int

	Segments, Records int

	PopulationIn, PopulationOut float64
	RegionPopulation            []RegionSummary

	// UndefinedRegions lists the regions whose population could not be
	// apportioned because their weights or weighted areas sum to zero.
	UndefinedRegions []string

	// Digest identifies the set of records produced, excluding their IDs.
	// Identical inputs give identical digests.
	Digest string
}

func (r *Refiner) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

// Refine validates the inputs, filters the land cover to the classes in
// the weight table, overlays it with the regions, normalizes the weights
// and apportions the region populations. Regions whose ID is empty or
// only white space are excluded, and regions must not share an ID.
// Nothing is returned if any precondition fails.
func (r *Refiner) Refine(ctx context.Context, regions []*Region, landCover []*LandCover) (*Result, error) {
	log := r.log()
	if err := r.Weights.Check(); err != nil {
		return nil, err
	}
	areaScale := r.AreaScale
	if areaScale == 0 {
		areaScale = DefaultAreaScale
	}
	valid, err := checkRegions(regions)
	if err != nil {
		return nil, err
	}
	if len(landCover) == 0 {
		return nil, Preconditionf("dasymap: there are no land-cover polygons")
	}
	for i, l := range landCover {
		if l == nil || l.Polygonal == nil {
			return nil, Preconditionf("dasymap: land-cover polygon %d has no geometry", i)
		}
	}
	sum := &Summary{
		Regions:         len(valid),
		ExcludedRegions: len(regions) - len(valid),
		LandCover:       len(landCover),
	}
	if sum.ExcludedRegions > 0 {
		log.WithFields(logrus.Fields{
			"stage":    "validate",
			"excluded": sum.ExcludedRegions,
		}).Warn("dasymap excluding regions with a blank ID")
	}

	kept, removed := r.Weights.Filter(landCover)
	sum.LandCoverKept, sum.Filtered = len(kept), removed
	log.WithFields(logrus.Fields{
		"stage":    "filter",
		"kept":     len(kept),
		"filtered": len(landCover) - len(kept),
	}).Info("dasymap filtered land cover by weight table")
	for _, c := range sortedClasses(removed) {
		log.WithFields(logrus.Fields{
			"stage": "filter",
			"class": c,
			"count": removed[c],
		}).Debug("dasymap class not in weight table")
	}

	segs, err := Overlay(ctx, valid, Join(kept, r.Weights), r.Workers)
	if err != nil {
		return nil, err
	}
	sum.Segments = len(segs)
	log.WithFields(logrus.Fields{
		"stage":    "overlay",
		"segments": len(segs),
	}).Info("dasymap overlaid regions and land cover")

	agg, err := Normalize(segs, areaScale)
	if err != nil {
		return nil, err
	}
	sum.UndefinedRegions = agg.Undefined()
	for _, id := range sum.UndefinedRegions {
		log.WithFields(logrus.Fields{
			"stage":  "normalize",
			"region": id,
		}).Warn("dasymap region has undefined aggregate weights; its segments are dropped")
	}

	recs := Apportion(segs)
	sum.Records = len(recs)
	summarize(sum, valid, recs)
	log.WithFields(logrus.Fields{
		"stage":          "apportion",
		"records":        len(recs),
		"population_in":  sum.PopulationIn,
		"population_out": sum.PopulationOut,
		"digest":         sum.Digest,
	}).Info("dasymap apportioned population")

	return &Result{
		Records:    recs,
		Segments:   segs,
		Aggregates: agg,
		Summary:    sum,
	}, nil
}

// checkRegions returns the regions with a non-blank ID, or an error if
// any region has no geometry or an invalid population, or if two regions
// share an ID.
func checkRegions(regions []*Region) ([]*Region, error) {
	if len(regions) == 0 {
		return nil, Preconditionf("dasymap: there are no regions")
	}
	valid := make([]*Region, 0, len(regions))
	seen := make(map[string]bool, len(regions))
	for i, r := range regions {
		if r == nil || r.Polygonal == nil {
			return nil, Preconditionf("dasymap: region %d has no geometry", i)
		}
		if math.IsNaN(r.Population) || math.IsInf(r.Population, 0) {
			return nil, Preconditionf("dasymap: population of region %q is not a finite number", r.ID)
		}
		if r.Population < 0 {
			return nil, Preconditionf("dasymap: population of region %q is negative (%g)", r.ID, r.Population)
		}
		id := strings.TrimSpace(r.ID)
		if id == "" {
			continue
		}
		if seen[id] {
			return nil, Preconditionf("dasymap: region ID %q is not unique", id)
		}
		seen[id] = true
		valid = append(valid, r)
	}
	return valid, nil
}

// summarize fills in the population totals and digest of sum.
func summarize(sum *Summary, regions []*Region, recs []*Record) {
	in := make(map[string]float64)
	out := make(map[string]float64)
	for _, r := range regions {
		in[r.ID] += r.Population
	}
	ests := make([]float64, len(recs))
	for i, rec := range recs {
		out[rec.RegionID] += rec.EstPop
		ests[i] = rec.EstPop
	}
	pops := make([]float64, 0, len(in))
	for _, id := range sortedKeys(in) {
		pops = append(pops, in[id])
		sum.RegionPopulation = append(sum.RegionPopulation, RegionSummary{
			ID:            id,
			PopulationIn:  in[id],
			PopulationOut: out[id],
		})
	}
	sum.PopulationIn = floats.Sum(pops)
	sum.PopulationOut = floats.Sum(ests)
	sum.Digest = Digest(recs)
}

// Digest returns a digest of recs that ignores record IDs.
func Digest(recs []*Record) string {
	rows := make([]Record, len(recs))
	for i, r := range recs {
		rows[i] = *r
		rows[i].ID = 0
	}
	return hash.Hash(rows)
}

func sortedKeys(m map[string]float64) []string {
	o := make([]string, 0, len(m))
	for k := range m {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}

func sortedClasses(m map[int]int) []int {
	o := make([]int, 0, len(m))
	for k := range m {
		o = append(o, k)
	}
	sort.Ints(o)
	return o
}
