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
along with dasymap.  If not, see <http://www.gnu.org/licenses/>.*/

package gpkg

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ctessum/geom"
	gogeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.gpkg")

	square := geom.Polygon{
		{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}},
		{{X: 2, Y: 2}, {X: 2, Y: 4}, {X: 4, Y: 4}, {X: 4, Y: 2}},
	}
	two := geom.MultiPolygon{
		{{{X: 20, Y: 0}, {X: 21, Y: 0}, {X: 21, Y: 1}, {X: 20, Y: 1}}},
		{{{X: 30, Y: 0}, {X: 31, Y: 0}, {X: 31, Y: 1}, {X: 30, Y: 1}}},
	}
	cols := []Column{{Name: "RegionID", Type: "TEXT"}, {Name: "Class", Type: "INTEGER"}, {Name: "EstPop", Type: "REAL"}}
	feats := []Feature{
		{Polygonal: square, Props: map[string]interface{}{"RegionID": "R1", "Class": int64(111), "EstPop": 428.5}},
		{Polygonal: two, Props: map[string]interface{}{"RegionID": "R2", "Class": int64(112), "EstPop": 1.5}},
	}
	srs := SRS{ID: 3035, Name: "ETRS89-extended / LAEA Europe", Organization: "EPSG", OrgID: 3035, Definition: "PROJCS[\"LAEA\"]"}
	if err := Write(ctx, path, "ancillary", srs, cols, feats); err != nil {
		t.Fatal(err)
	}
	l, err := Read(ctx, path, "")
	if err != nil {
		t.Fatal(err)
	}
	if l.Table != "ancillary" {
		t.Errorf("table: %s", l.Table)
	}
	if l.SRS != srs {
		t.Errorf("srs: %+v != %+v", l.SRS, srs)
	}
	wantFields := []string{"fid", "RegionID", "Class", "EstPop"}
	if !reflect.DeepEqual(l.Fields, wantFields) {
		t.Errorf("fields: %v != %v", l.Fields, wantFields)
	}
	if len(l.Features) != 2 {
		t.Fatalf("have %d features", len(l.Features))
	}
	for i, want := range []float64{96, 2} {
		if a := l.Features[i].Area(); math.Abs(a-want) > 1e-9 {
			t.Errorf("feature %d area: %g != %g", i, a, want)
		}
	}
	if v := l.Features[0].Props["RegionID"]; v != "R1" {
		t.Errorf("RegionID: %v", v)
	}
	if v := l.Features[1].Props["Class"]; v != int64(112) {
		t.Errorf("Class: %#v", v)
	}
	if v := l.Features[0].Props["EstPop"]; v != 428.5 {
		t.Errorf("EstPop: %#v", v)
	}

	fields, err := Fields(ctx, path, "")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fields, wantFields) {
		t.Errorf("Fields: %v != %v", fields, wantFields)
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := Read(context.Background(), filepath.Join(t.TempDir(), "nothing.gpkg"), ""); err == nil {
		t.Error("expected an error")
	}
}

func TestReadTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "layers.gpkg")
	cols := []Column{{Name: "RegionID", Type: "TEXT"}}
	feats := []Feature{{
		Polygonal: geom.Polygon{{{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 3, Y: 3}, {X: 0, Y: 3}}},
		Props:     map[string]interface{}{"RegionID": "R1"},
	}}
	if err := Write(ctx, path, "regions", Undefined, cols, feats); err != nil {
		t.Fatal(err)
	}
	// A second, empty feature table that sorts before "regions".
	db, err := open(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{
		`CREATE TABLE "boundaries" ("fid" INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL, "geom" MULTIPOLYGON, "Name" TEXT)`,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, srs_id) VALUES ('boundaries', 'features', 'boundaries', ` + fmt.Sprint(Undefined.ID) + `)`,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES ('boundaries', 'geom', 'MULTIPOLYGON', ` + fmt.Sprint(Undefined.ID) + `, 0, 0)`,
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	l, err := Read(ctx, path, "")
	if err != nil {
		t.Fatal(err)
	}
	if l.Table != "boundaries" || len(l.Features) != 0 {
		t.Errorf("default table: %s with %d features", l.Table, len(l.Features))
	}
	l, err = Read(ctx, path, "regions")
	if err != nil {
		t.Fatal(err)
	}
	if l.Table != "regions" || len(l.Features) != 1 {
		t.Fatalf("named table: %s with %d features", l.Table, len(l.Features))
	}
	if a := l.Features[0].Area(); math.Abs(a-9) > 1e-9 {
		t.Errorf("area: %g", a)
	}
	fields, err := Fields(ctx, path, "boundaries")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"fid", "Name"}; !reflect.DeepEqual(fields, want) {
		t.Errorf("fields: %v != %v", fields, want)
	}
	if _, err := Read(ctx, path, "parcels"); err == nil {
		t.Error("expected an error for a missing table")
	}
	if _, err := Fields(ctx, path, "parcels"); err == nil {
		t.Error("expected an error for a missing table")
	}
}

func TestDecodeGeometry(t *testing.T) {
	p, err := gogeom.NewPolygon(gogeom.XY).SetCoords([][]gogeom.Coord{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}})
	if err != nil {
		t.Fatal(err)
	}
	w, err := wkb.Marshal(p, wkb.XDR)
	if err != nil {
		t.Fatal(err)
	}
	header := func(flags byte, envelope int) []byte {
		h := make([]byte, 8+envelope)
		h[0], h[1], h[3] = 'G', 'P', flags
		binary.BigEndian.PutUint32(h[4:], 4326)
		return h
	}

	for _, test := range []struct {
		name  string
		blob  []byte
		area  float64
		empty bool
		err   bool
	}{
		{name: "no envelope", blob: append(header(0, 0), w...), area: 4},
		{name: "xy envelope", blob: append(header(1<<1, 32), w...), area: 4},
		{name: "xyzm envelope", blob: append(header(4<<1, 64), w...), area: 4},
		{name: "empty", blob: header(1<<4, 0), empty: true},
		{name: "bad magic", blob: []byte("XXXXXXXXXX"), err: true},
		{name: "truncated", blob: header(1<<1, 0), err: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			g, err := decodeGeometry(test.blob)
			if (err != nil) != test.err {
				t.Fatalf("error: %v", err)
			}
			if test.err {
				return
			}
			if test.empty {
				if g != nil {
					t.Errorf("expected no geometry, have %v", g)
				}
				return
			}
			if a := g.Area(); a != test.area {
				t.Errorf("area: %g != %g", a, test.area)
			}
		})
	}
}
