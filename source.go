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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
	"github.com/spatialmodel/dasymap/internal/gpkg"
)

// wgs84 is the spatial reference of GeoJSON files.
const wgs84 = "+proj=longlat +datum=WGS84 +no_defs"

// feature is a polygon with its attribute values.
type feature struct {
	geom.Polygonal
	props map[string]interface{}
}

// source is a collection of polygon features read from a file.
type source struct {
	fields   []string // attribute names in file order
	features []feature

	// srs is the definition of the spatial reference of the features,
	// or "" if it is unknown.
	srs string
}

// field returns the attribute name in s that matches one of names. The
// comparison is case-insensitive and names are tried in order.
func (s *source) field(names ...string) (string, bool) {
	for _, n := range names {
		for _, f := range s.fields {
			if strings.EqualFold(f, n) {
				return f, true
			}
		}
	}
	return "", false
}

// hasField reports whether s has an attribute named exactly name.
func (s *source) hasField(name string) bool {
	for _, f := range s.fields {
		if f == name {
			return true
		}
	}
	return false
}

// readSource reads the polygon features in the shapefile, GeoJSON file or
// GeoPackage at path, based on its extension. layer names the GeoPackage
// feature table to read; it must be empty for other file types. If sr is
// not nil the features are projected to it.
func readSource(ctx context.Context, path, layer string, sr *proj.SR) (*source, error) {
	var (
		s   *source
		err error
	)
	ext := strings.ToLower(filepath.Ext(path))
	if layer != "" && ext != ".gpkg" {
		return nil, Preconditionf("dasymap: %s: layer %q is only supported for GeoPackages", path, layer)
	}
	switch ext {
	case ".shp":
		s, err = readShapefile(path)
	case ".geojson", ".json":
		s, err = readGeoJSON(path)
	case ".gpkg":
		s, err = readGeoPackage(ctx, path, layer)
	default:
		return nil, Preconditionf("dasymap: unsupported geometry file type %q", path)
	}
	if err != nil {
		return nil, malformed(err, "dasymap: reading %s", path)
	}
	if len(s.features) == 0 {
		return nil, malformed(eris.New("no polygons"), "dasymap: reading %s", path)
	}
	if sr == nil {
		return s, nil
	}
	if err := s.transform(sr); err != nil {
		return nil, Precondition(err, "dasymap: projecting %s", path)
	}
	return s, nil
}

// transform projects the features in s to sr.
func (s *source) transform(sr *proj.SR) error {
	if s.srs == "" {
		return eris.New("the spatial reference of the file is unknown")
	}
	from, err := proj.Parse(s.srs)
	if err != nil {
		return eris.Wrap(err, "parsing spatial reference")
	}
	t, err := from.NewTransform(sr)
	if err != nil {
		return eris.Wrap(err, "creating transform")
	}
	for i, f := range s.features {
		g, err := f.Transform(t)
		if err != nil {
			return eris.Wrapf(err, "feature %d", i)
		}
		s.features[i].Polygonal = g.(geom.Polygonal)
	}
	return nil
}

func readShapefile(path string) (*source, error) {
	d, err := shp.NewDecoder(path)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	s := new(source)
	for _, f := range d.Fields() {
		s.fields = append(s.fields, strings.TrimSpace(f.String()))
	}
	for {
		g, fields, more := d.DecodeRowFields(s.fields...)
		if !more {
			break
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, eris.Errorf("row %d has geometry type %T; only polygons are supported", len(s.features), g)
		}
		props := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			props[k] = strings.TrimSpace(strings.Trim(v, "\x00"))
		}
		s.features = append(s.features, feature{Polygonal: p, props: props})
	}
	if err := d.Error(); err != nil {
		return nil, err
	}
	if b, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"); err == nil {
		s.srs = strings.TrimSpace(string(b))
	}
	return s, nil
}

// featureCollection is a GeoJSON FeatureCollection whose geometries are
// decoded separately.
type featureCollection struct {
	Type     string `json:"type"`
	Features []struct {
		Type       string                 `json:"type"`
		Geometry   json.RawMessage        `json:"geometry"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"features"`
}

func readGeoJSON(path string) (*source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc featureCollection
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&fc); err != nil {
		return nil, eris.Wrap(err, "decoding GeoJSON")
	}
	if fc.Type != "FeatureCollection" {
		return nil, eris.Errorf("GeoJSON type is %q, not FeatureCollection", fc.Type)
	}
	s := &source{srs: wgs84}
	seen := make(map[string]bool)
	for i, f := range fc.Features {
		if len(f.Geometry) == 0 || string(f.Geometry) == "null" {
			continue
		}
		g, err := decodeGeoJSONGeometry(f.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "feature %d", i)
		}
		for k := range f.Properties {
			if !seen[k] {
				seen[k] = true
				s.fields = append(s.fields, k)
			}
		}
		s.features = append(s.features, feature{Polygonal: g, props: f.Properties})
	}
	sort.Strings(s.fields)
	return s, nil
}

// decodeGeoJSONGeometry decodes a Polygon or MultiPolygon geometry.
// Positions may carry a third (elevation) value, which is dropped.
func decodeGeoJSONGeometry(b json.RawMessage) (geom.Polygonal, error) {
	var g struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, err
	}
	switch g.Type {
	case "Polygon":
		var c [][][]float64
		if err := json.Unmarshal(g.Coordinates, &c); err != nil {
			return nil, err
		}
		return geoJSONPolygon(c)
	case "MultiPolygon":
		var c [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &c); err != nil {
			return nil, err
		}
		o := make(geom.MultiPolygon, len(c))
		for i, p := range c {
			var err error
			if o[i], err = geoJSONPolygon(p); err != nil {
				return nil, err
			}
		}
		return o, nil
	}
	d, err := geojson.Decode(b)
	if err != nil {
		return nil, err
	}
	p, ok := d.(geom.Polygonal)
	if !ok {
		return nil, eris.Errorf("geometry type %T is not supported; only polygons are", d)
	}
	return p, nil
}

func geoJSONPolygon(c [][][]float64) (geom.Polygon, error) {
	o := make(geom.Polygon, len(c))
	for i, ring := range c {
		o[i] = make([]geom.Point, len(ring))
		for j, pt := range ring {
			if len(pt) < 2 {
				return nil, geojson.InvalidGeometryError{}
			}
			o[i][j] = geom.Point{X: pt[0], Y: pt[1]}
		}
	}
	return o, nil
}

func readGeoPackage(ctx context.Context, path, layer string) (*source, error) {
	l, err := gpkg.Read(ctx, path, layer)
	if err != nil {
		return nil, err
	}
	s := &source{fields: l.Fields}
	if l.SRS.Definition != "undefined" {
		s.srs = l.SRS.Definition
	}
	for _, f := range l.Features {
		s.features = append(s.features, feature{Polygonal: f.Polygonal, props: f.Props})
	}
	return s, nil
}

// Fields returns the attribute names of the shapefile, GeoJSON file or
// GeoPackage at path. layer selects a GeoPackage feature table as in
// RegionSchema.Layer.
func Fields(ctx context.Context, path, layer string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpkg":
		f, err := gpkg.Fields(ctx, path, layer)
		if err != nil {
			return nil, Precondition(err, "dasymap: reading %s", path)
		}
		return f, nil
	case ".shp":
		d, err := shp.NewDecoder(path)
		if err != nil {
			return nil, Precondition(err, "dasymap: reading %s", path)
		}
		defer d.Close()
		var o []string
		for _, f := range d.Fields() {
			o = append(o, strings.TrimSpace(f.String()))
		}
		return o, nil
	}
	s, err := readSource(ctx, path, layer, nil)
	if err != nil {
		return nil, err
	}
	return s.fields, nil
}
