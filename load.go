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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// RegionSchema declares the attributes of a region file.
type RegionSchema struct {
	// Layer is the feature table to read from a GeoPackage. If it is
	// empty the first feature table in alphabetical order is read.
	// It must be empty for other file types.
	Layer string

	// IDField is the attribute holding the region identifier.
	IDField string

	// PopulationField is the attribute holding the population count.
	// If it is empty, the field is PopulationPrefix followed by
	// PopulationYear, for example "pop_2018".
	PopulationField  string
	PopulationPrefix string
	PopulationYear   string
}

// Population returns the name of the population attribute.
func (s RegionSchema) Population() (string, error) {
	if s.PopulationField != "" {
		return s.PopulationField, nil
	}
	if s.PopulationPrefix == "" || s.PopulationYear == "" {
		return "", Preconditionf("dasymap: no population field is declared; set a population field or a prefix and year")
	}
	return s.PopulationPrefix + s.PopulationYear, nil
}

// LandCoverSchema declares the attributes of a land-cover file.
type LandCoverSchema struct {
	// Layer selects a GeoPackage feature table as in RegionSchema.
	Layer string

	// ClassField is the attribute holding the class code. It is matched
	// case-insensitively, and if it is not present each of ClassAliases
	// is tried in turn.
	ClassField   string
	ClassAliases []string
}

// Loader reads regions and land cover from shapefiles, GeoJSON files
// and GeoPackages.
type Loader struct {
	// SR, if not nil, is the spatial reference the geometry is
	// projected to. The inputs must then have a known spatial reference.
	SR *proj.SR

	// SRS is set to the spatial reference definition of the most
	// recently loaded file, or "" if it is unknown.
	SRS string

	// Skipped is set to the number of features of the most recently
	// loaded file that were skipped because of blank attributes.
	Skipped int

	Log logrus.FieldLogger
}

func (l *Loader) log() logrus.FieldLogger {
	if l.Log == nil {
		return logrus.StandardLogger()
	}
	return l.Log
}

// LoadRegions reads the regions in the file at path. Regions with a
// blank ID or a blank population value are skipped with a warning.
// Features that share an ID and a population are parts of one region
// and are merged into a single multipolygon; features that share an ID
// but not a population are a precondition failure. A population that is
// not a finite non-negative number, or a declared field that is not in
// the file, is also a precondition failure.
func (l *Loader) LoadRegions(ctx context.Context, path string, schema RegionSchema) ([]*Region, error) {
	popField, err := schema.Population()
	if err != nil {
		return nil, err
	}
	s, err := readSource(ctx, path, schema.Layer, l.SR)
	if err != nil {
		return nil, err
	}
	l.setSRS(s)
	for _, f := range []string{schema.IDField, popField} {
		if !s.hasField(f) {
			return nil, Preconditionf("dasymap: %s has no field %q; available fields are %s",
				path, f, strings.Join(s.fields, ", "))
		}
	}

	var o []*Region
	index := make(map[string]int)
	var blankID, blankPop, merged int
	for i, f := range s.features {
		id := strings.TrimSpace(attrString(f.props[schema.IDField]))
		if id == "" {
			blankID++
			continue
		}
		pop, ok, err := attrFloat(f.props[popField])
		if err != nil {
			return nil, Precondition(err, "dasymap: %s feature %d (%s): population", path, i, id)
		}
		if !ok {
			blankPop++
			continue
		}
		if math.IsNaN(pop) || math.IsInf(pop, 0) || pop < 0 {
			return nil, Preconditionf("dasymap: %s region %s: population %g is not a finite non-negative number", path, id, pop)
		}
		if j, dup := index[id]; dup {
			r := o[j]
			if r.Population != pop {
				return nil, Preconditionf("dasymap: %s region %s appears more than once with populations %g and %g",
					path, id, r.Population, pop)
			}
			r.Polygonal = append(geom.MultiPolygon(r.Polygons()), f.Polygons()...)
			merged++
			continue
		}
		index[id] = len(o)
		o = append(o, &Region{Polygonal: f.Polygonal, ID: id, Population: pop})
	}
	l.Skipped = blankID + blankPop
	fields := logrus.Fields{
		"file":    path,
		"regions": len(o),
	}
	if merged > 0 {
		fields["merged_parts"] = merged
	}
	if l.Skipped > 0 {
		fields["blank_id"] = blankID
		fields["blank_population"] = blankPop
		l.log().WithFields(fields).Warn("dasymap skipped regions with blank attributes")
	} else {
		l.log().WithFields(fields).Info("dasymap loaded regions")
	}
	if len(o) == 0 {
		return nil, Preconditionf("dasymap: %s has no regions with an ID and population", path)
	}
	return o, nil
}

// LoadLandCover reads the land-cover polygons in the file at path.
// Class values such as "111", "111.0", 111.0 and 111 are all read as
// class 111. Polygons with a blank class are skipped with a warning; a
// class that is not an integer is a precondition failure. Filtering
// against a weight table happens when refining.
func (l *Loader) LoadLandCover(ctx context.Context, path string, schema LandCoverSchema) ([]*LandCover, error) {
	s, err := readSource(ctx, path, schema.Layer, l.SR)
	if err != nil {
		return nil, err
	}
	l.setSRS(s)
	names := append([]string{schema.ClassField}, schema.ClassAliases...)
	field, ok := s.field(names...)
	if !ok {
		return nil, Preconditionf("dasymap: %s has no class field (tried %s); available fields are %s",
			path, strings.Join(names, ", "), strings.Join(s.fields, ", "))
	}
	o := make([]*LandCover, 0, len(s.features))
	blank := 0
	for i, f := range s.features {
		c, ok, err := classCode(f.props[field])
		if err != nil {
			return nil, Precondition(err, "dasymap: %s feature %d: class", path, i)
		}
		if !ok {
			blank++
			continue
		}
		o = append(o, &LandCover{Polygonal: f.Polygonal, Class: c})
	}
	l.Skipped = blank
	fields := logrus.Fields{
		"file":        path,
		"class_field": field,
		"polygons":    len(o),
	}
	if blank > 0 {
		fields["blank_class"] = blank
		l.log().WithFields(fields).Warn("dasymap skipped land cover with a blank class")
	} else {
		l.log().WithFields(fields).Info("dasymap loaded land cover")
	}
	if len(o) == 0 {
		return nil, Preconditionf("dasymap: %s has no land cover with a class", path)
	}
	return o, nil
}

func (l *Loader) setSRS(s *source) {
	if l.SR != nil {
		return
	}
	l.SRS = s.srs
}

// attrString converts an attribute value to a string.
func attrString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// attrFloat converts an attribute value to a number. ok is false if
// the value is missing or blank.
func attrFloat(v interface{}) (f float64, ok bool, err error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return t, true, nil
	case int64:
		return float64(t), true, nil
	case int:
		return float64(t), true, nil
	case json.Number:
		f, err = t.Float64()
		return f, err == nil, err
	}
	s := strings.TrimSpace(attrString(v))
	if s == "" {
		return 0, false, nil
	}
	f, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, eris.Errorf("%q is not a number", s)
	}
	return f, true, nil
}

// classCode converts a class attribute value to an integer code. ok is
// false if the value is missing or blank.
func classCode(v interface{}) (c int, ok bool, err error) {
	f, ok, err := attrFloat(v)
	if err != nil || !ok {
		return 0, false, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false, eris.Errorf("%v is not an integer", v)
	}
	return int(f), true, nil
}
