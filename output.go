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
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/ctessum/geom/encoding/shp"
	goshp "github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/spatialmodel/dasymap/internal/gpkg"
)

// recordFields are the names of the attributes written for every record,
// in output order.
var recordFields = []string{"RegionID", "Class", "Weight", "AreaKm2", "Fraction", "EstPop", "UID"}

// customSRSID is the GeoPackage spatial reference ID used for output
// whose spatial reference is not a registered one.
const customSRSID = 100000

// Outputter writes ancillary records to a shapefile (.shp), a GeoJSON
// file (.geojson or .json) or a GeoPackage (.gpkg), depending on the
// extension of the file name.
//
// Derived output variables are expressions of the numeric record
// fields (EstPop, AreaKm2, Weight, Fraction, Class and UID), for example
// "EstPop / AreaKm2" for population density. They are written as extra
// numeric fields. The functions exp(x), log(x), min(a, b) and max(a, b)
// are available.
type Outputter struct {
	fileName string
	srs      string

	outputVariables map[string]*govaluate.EvaluableExpression
	names           []string // sorted derived variable names
}

// NewOutputter checks the output variable expressions and names and
// returns an Outputter that writes to fileName. srs is the definition
// of the spatial reference of the records, or "" if it is unknown.
func NewOutputter(fileName, srs string, outputVariables map[string]string) (*Outputter, error) {
	o := &Outputter{
		fileName:        fileName,
		srs:             srs,
		outputVariables: make(map[string]*govaluate.EvaluableExpression),
	}
	switch o.format() {
	case ".shp", ".geojson", ".json", ".gpkg":
	default:
		return nil, Preconditionf("dasymap: unsupported output file type %q", fileName)
	}
	if o.format() == ".shp" {
		if err := checkOutputNames(outputVariables); err != nil {
			return nil, err
		}
	}
	params := recordParams(new(Record))
	for name, expr := range outputVariables {
		for _, f := range recordFields {
			if strings.EqualFold(name, f) {
				return nil, Preconditionf("dasymap: output variable name %q is the name of a record field", name)
			}
		}
		e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, outputFunctions)
		if err != nil {
			return nil, Precondition(err, "dasymap: output variable %s", name)
		}
		for _, v := range e.Vars() {
			if _, ok := params[v]; !ok {
				return nil, Preconditionf("dasymap: output variable %s: unknown variable %q", name, v)
			}
		}
		o.outputVariables[name] = e
		o.names = append(o.names, name)
	}
	sort.Strings(o.names)
	return o, nil
}

func (o *Outputter) format() string {
	return strings.ToLower(filepath.Ext(o.fileName))
}

// FileName returns the name of the file written by o.
func (o *Outputter) FileName() string { return o.fileName }

var outputFunctions = map[string]govaluate.ExpressionFunction{
	"exp": func(arg ...interface{}) (interface{}, error) {
		if len(arg) != 1 {
			return nil, eris.Errorf("dasymap: got %d arguments for function 'exp', but needs 1", len(arg))
		}
		return math.Exp(arg[0].(float64)), nil
	},
	"log": func(arg ...interface{}) (interface{}, error) {
		if len(arg) != 1 {
			return nil, eris.Errorf("dasymap: got %d arguments for function 'log', but needs 1", len(arg))
		}
		return math.Log(arg[0].(float64)), nil
	},
	"min": func(arg ...interface{}) (interface{}, error) {
		if len(arg) != 2 {
			return nil, eris.Errorf("dasymap: got %d arguments for function 'min', but needs 2", len(arg))
		}
		return math.Min(arg[0].(float64), arg[1].(float64)), nil
	},
	"max": func(arg ...interface{}) (interface{}, error) {
		if len(arg) != 2 {
			return nil, eris.Errorf("dasymap: got %d arguments for function 'max', but needs 2", len(arg))
		}
		return math.Max(arg[0].(float64), arg[1].(float64)), nil
	},
}

// shpName matches attribute names that are allowed in shapefiles.
var shpName = regexp.MustCompile(`^[A-Za-z]\w*$`)

// checkOutputNames checks that the output variable names are no longer
// than 10 characters and only contain characters allowed in shapefile
// field names.
func checkOutputNames(o map[string]string) error {
	for key := range o {
		long := len(key) > 10
		badChar := !shpName.MatchString(key)
		if long && badChar {
			return Preconditionf("dasymap: output variable name '%s' exceeds 10 characters and includes unsupported character(s)", key)
		} else if long {
			return Preconditionf("dasymap: output variable name '%s' exceeds 10 characters", key)
		} else if badChar {
			return Preconditionf("dasymap: output variable name '%s' includes unsupported characters", key)
		}
	}
	return nil
}

func recordParams(r *Record) map[string]interface{} {
	return map[string]interface{}{
		"EstPop":   r.EstPop,
		"AreaKm2":  r.AreaKm2,
		"Weight":   r.Weight,
		"Fraction": r.Fraction,
		"Class":    float64(r.Class),
		"UID":      float64(r.ID),
	}
}

// derived evaluates the output variables for r, in the order of o.names.
func (o *Outputter) derived(r *Record) ([]float64, error) {
	params := recordParams(r)
	vals := make([]float64, len(o.names))
	for i, n := range o.names {
		v, err := o.outputVariables[n].Evaluate(params)
		if err != nil {
			return nil, eris.Wrapf(err, "dasymap: evaluating %s for record %d", n, r.ID)
		}
		f, ok := v.(float64)
		if !ok {
			return nil, eris.Errorf("dasymap: output variable %s is %T, not a number", n, v)
		}
		vals[i] = f
	}
	return vals, nil
}

// Write writes recs to the output file, replacing it if it exists.
func (o *Outputter) Write(ctx context.Context, recs []*Record) error {
	if err := os.MkdirAll(filepath.Dir(o.fileName), os.ModePerm); err != nil {
		return eris.Wrap(err, "dasymap: creating output directory")
	}
	switch o.format() {
	case ".shp":
		return o.writeShapefile(recs)
	case ".gpkg":
		return o.writeGeoPackage(ctx, recs)
	default:
		return o.writeGeoJSON(recs)
	}
}

func (o *Outputter) writeShapefile(recs []*Record) error {
	fields := []goshp.Field{
		goshp.StringField("RegionID", 50),
		goshp.NumberField("Class", 10),
		goshp.FloatField("Weight", 24, 8),
		goshp.FloatField("AreaKm2", 24, 8),
		goshp.FloatField("Fraction", 24, 12),
		goshp.FloatField("EstPop", 24, 8),
		goshp.NumberField("UID", 10),
	}
	for _, n := range o.names {
		fields = append(fields, goshp.FloatField(n, 24, 8))
	}
	e, err := shp.NewEncoderFromFields(o.fileName, goshp.POLYGON, fields...)
	if err != nil {
		return eris.Wrap(err, "dasymap: creating output shapefile")
	}
	for _, r := range recs {
		d, err := o.derived(r)
		if err != nil {
			e.Close()
			return err
		}
		vals := []interface{}{r.RegionID, r.Class, r.Weight, r.AreaKm2, r.Fraction, r.EstPop, r.ID}
		for _, v := range d {
			vals = append(vals, v)
		}
		if err := e.EncodeFields(closeRings(r.Polygon), vals...); err != nil {
			e.Close()
			return eris.Wrap(err, "dasymap: writing output shapefile")
		}
	}
	e.Close()

	if !isWKT(o.srs) {
		return nil
	}
	prj := strings.TrimSuffix(o.fileName, filepath.Ext(o.fileName)) + ".prj"
	return eris.Wrap(os.WriteFile(prj, []byte(o.srs), 0644), "dasymap: writing output prj file")
}

// outputFeature is a GeoJSON feature.
type outputFeature struct {
	Type       string                 `json:"type"`
	Geometry   *geojson.Geometry      `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

func (o *Outputter) writeGeoJSON(recs []*Record) error {
	fc := struct {
		Type     string          `json:"type"`
		Features []outputFeature `json:"features"`
	}{Type: "FeatureCollection", Features: make([]outputFeature, len(recs))}
	for i, r := range recs {
		g, err := geojson.ToGeoJSON(closeRings(r.Polygon))
		if err != nil {
			return eris.Wrapf(err, "dasymap: encoding record %d", r.ID)
		}
		props, err := o.properties(r)
		if err != nil {
			return err
		}
		fc.Features[i] = outputFeature{Type: "Feature", Geometry: g, Properties: props}
	}
	f, err := os.Create(o.fileName)
	if err != nil {
		return eris.Wrap(err, "dasymap: creating output file")
	}
	if err := json.NewEncoder(f).Encode(fc); err != nil {
		f.Close()
		return eris.Wrap(err, "dasymap: writing output file")
	}
	return eris.Wrap(f.Close(), "dasymap: closing output file")
}

func (o *Outputter) properties(r *Record) (map[string]interface{}, error) {
	d, err := o.derived(r)
	if err != nil {
		return nil, err
	}
	p := map[string]interface{}{
		"RegionID": r.RegionID,
		"Class":    int64(r.Class),
		"Weight":   r.Weight,
		"AreaKm2":  r.AreaKm2,
		"Fraction": r.Fraction,
		"EstPop":   r.EstPop,
		"UID":      int64(r.ID),
	}
	for i, n := range o.names {
		p[n] = d[i]
	}
	return p, nil
}

func (o *Outputter) writeGeoPackage(ctx context.Context, recs []*Record) error {
	cols := []gpkg.Column{
		{Name: "RegionID", Type: "TEXT"},
		{Name: "Class", Type: "INTEGER"},
		{Name: "Weight", Type: "REAL"},
		{Name: "AreaKm2", Type: "REAL"},
		{Name: "Fraction", Type: "REAL"},
		{Name: "EstPop", Type: "REAL"},
		{Name: "UID", Type: "INTEGER"},
	}
	for _, n := range o.names {
		cols = append(cols, gpkg.Column{Name: n, Type: "REAL"})
	}
	feats := make([]gpkg.Feature, len(recs))
	for i, r := range recs {
		props, err := o.properties(r)
		if err != nil {
			return err
		}
		feats[i] = gpkg.Feature{Polygonal: r.Polygon, Props: props}
	}
	srs := gpkg.Undefined
	if o.srs != "" {
		srs = gpkg.SRS{ID: customSRSID, Name: "dasymap", Organization: "NONE", OrgID: customSRSID, Definition: o.srs}
	}
	table := strings.TrimSuffix(filepath.Base(o.fileName), filepath.Ext(o.fileName))
	if err := gpkg.Write(ctx, o.fileName, table, srs, cols, feats); err != nil {
		return eris.Wrap(err, "dasymap: writing output GeoPackage")
	}
	return nil
}

// isWKT reports whether s looks like a well-known-text spatial reference.
func isWKT(s string) bool {
	for _, p := range []string{"PROJCS[", "GEOGCS[", "PROJCRS[", "GEOGCRS["} {
		if strings.HasPrefix(strings.TrimSpace(s), p) {
			return true
		}
	}
	return false
}

// closeRings returns a copy of p in which the last point of each ring
// equals the first.
func closeRings(p geom.Polygon) geom.Polygon {
	o := make(geom.Polygon, len(p))
	for i, ring := range p {
		o[i] = append([]geom.Point(nil), ring...)
		if n := len(ring); n > 0 && ring[0] != ring[n-1] {
			o[i] = append(o[i], ring[0])
		}
	}
	return o
}
