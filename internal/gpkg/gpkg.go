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

// Package gpkg reads and writes polygon feature tables in OGC GeoPackage
// files.
package gpkg

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/ctessum/geom"
	"github.com/rotisserie/eris"
	gogeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	_ "modernc.org/sqlite" // register the sqlite driver
)

const (
	applicationID = 0x47504B47 // "GPKG"
	userVersion   = 10200
)

// SRS is a spatial reference system entry.
type SRS struct {
	ID           int32
	Name         string
	Organization string
	OrgID        int32
	Definition   string
}

// Undefined is the spatial reference system GeoPackage uses for
// cartesian coordinates with an unknown projection.
var Undefined = SRS{ID: -1, Name: "Undefined cartesian SRS", Organization: "NONE", OrgID: -1, Definition: "undefined"}

var defaultSRS = []SRS{
	Undefined,
	{ID: 0, Name: "Undefined geographic SRS", Organization: "NONE", OrgID: 0, Definition: "undefined"},
	{ID: 4326, Name: "WGS 84 geodetic", Organization: "EPSG", OrgID: 4326, Definition: `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`},
}

// Feature is one row of a feature table.
type Feature struct {
	geom.Polygonal

	// Props holds the attribute values by column name. Values are
	// int64, float64, string, []byte or nil.
	Props map[string]interface{}
}

// Layer is a feature table.
type Layer struct {
	Table string
	SRS   SRS

	// Fields are the attribute column names, in table order, excluding
	// the geometry column.
	Fields   []string
	Features []Feature
}

// Column is an attribute column of a table to be written.
type Column struct {
	Name string
	Type string // SQLite type: TEXT, INTEGER or REAL
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: open %s", path)
	}
	return db, nil
}

// featureTable returns the name, geometry column and spatial reference
// ID of the feature table named table, or of the first feature table in
// alphabetical order if table is empty.
func featureTable(ctx context.Context, db *sql.DB, path, table string) (name, geomCol string, srsID int32, err error) {
	q := `SELECT c.table_name, g.column_name, g.srs_id
FROM gpkg_contents c JOIN gpkg_geometry_columns g ON c.table_name = g.table_name
WHERE c.data_type = 'features'`
	var args []interface{}
	if table != "" {
		q += " AND c.table_name = ?"
		args = append(args, table)
	}
	q += " ORDER BY c.table_name LIMIT 1"
	err = db.QueryRowContext(ctx, q, args...).Scan(&name, &geomCol, &srsID)
	switch {
	case err == sql.ErrNoRows && table != "":
		return "", "", 0, eris.Errorf("gpkg: %s has no feature table %s", path, table)
	case err == sql.ErrNoRows:
		return "", "", 0, eris.Errorf("gpkg: %s has no feature tables", path)
	case err != nil:
		return "", "", 0, eris.Wrapf(err, "gpkg: reading contents of %s", path)
	}
	return name, geomCol, srsID, nil
}

// Read reads the feature table named table of the GeoPackage at path.
// If table is empty the first feature table in alphabetical order is
// read. Only polygon and multipolygon geometries are supported; rows
// with empty geometries are skipped.
func Read(ctx context.Context, path, table string) (*Layer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrap(err, "gpkg")
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	l := new(Layer)
	var geomCol string
	l.Table, geomCol, l.SRS.ID, err = featureTable(ctx, db, path, table)
	if err != nil {
		return nil, err
	}
	err = db.QueryRowContext(ctx, `SELECT srs_name, organization, organization_coordsys_id, definition
FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, l.SRS.ID).Scan(&l.SRS.Name, &l.SRS.Organization, &l.SRS.OrgID, &l.SRS.Definition)
	if err != nil && err != sql.ErrNoRows {
		return nil, eris.Wrapf(err, "gpkg: reading spatial reference %d", l.SRS.ID)
	}

	cols, err := columns(ctx, db, l.Table)
	if err != nil {
		return nil, err
	}
	quoted := make([]string, 0, len(cols))
	gi := -1
	for _, c := range cols {
		if strings.EqualFold(c, geomCol) {
			gi = len(quoted)
		} else {
			l.Fields = append(l.Fields, c)
		}
		quoted = append(quoted, quote(c))
	}
	if gi < 0 {
		return nil, eris.Errorf("gpkg: table %s has no column %s", l.Table, geomCol)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), quote(l.Table)))
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: reading table %s", l.Table)
	}
	defer rows.Close()
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrapf(err, "gpkg: reading table %s", l.Table)
		}
		b, ok := vals[gi].([]byte)
		if !ok || len(b) == 0 {
			continue
		}
		g, err := decodeGeometry(b)
		if err != nil {
			return nil, eris.Wrapf(err, "gpkg: table %s row %d", l.Table, len(l.Features)+1)
		}
		if g == nil {
			continue
		}
		f := Feature{Polygonal: g, Props: make(map[string]interface{}, len(cols)-1)}
		for i, c := range cols {
			if i != gi {
				f.Props[c] = vals[i]
			}
		}
		l.Features = append(l.Features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "gpkg: reading table %s", l.Table)
	}
	return l, nil
}

// Fields returns the attribute column names of a feature table in the
// GeoPackage at path without reading its rows. table is chosen as in Read.
func Fields(ctx context.Context, path, table string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrap(err, "gpkg")
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	table, geomCol, _, err := featureTable(ctx, db, path, table)
	if err != nil {
		return nil, err
	}
	cols, err := columns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	var o []string
	for _, c := range cols {
		if !strings.EqualFold(c, geomCol) {
			o = append(o, c)
		}
	}
	return o, nil
}

func columns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quote(table)))
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: reading columns of %s", table)
	}
	defer rows.Close()
	var o []string
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             interface{}
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, eris.Wrapf(err, "gpkg: reading columns of %s", table)
		}
		o = append(o, name)
	}
	return o, eris.Wrapf(rows.Err(), "gpkg: reading columns of %s", table)
}

// Write creates a GeoPackage at path, replacing any existing file, with
// a single polygon feature table holding feats. Each feature must have
// a value for every column in cols.
func Write(ctx context.Context, path, table string, srs SRS, cols []Column, feats []Feature) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "gpkg: replacing %s", path)
	}
	db, err := open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "gpkg: begin")
	}
	defer tx.Rollback()

	if err := createMetadata(ctx, tx, srs); err != nil {
		return err
	}

	defs := []string{`"fid" INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL`, `"geom" MULTIPOLYGON`}
	names := []string{`"geom"`}
	marks := []string{"?"}
	for _, c := range cols {
		defs = append(defs, fmt.Sprintf("%s %s", quote(c.Name), c.Type))
		names = append(names, quote(c.Name))
		marks = append(marks, "?")
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quote(table), strings.Join(defs, ", "))); err != nil {
		return eris.Wrapf(err, "gpkg: creating table %s", table)
	}

	b := geom.NewBounds()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return eris.Wrapf(err, "gpkg: preparing insert into %s", table)
	}
	defer stmt.Close()
	args := make([]interface{}, len(cols)+1)
	for i, f := range feats {
		fb := f.Bounds()
		b.Extend(fb)
		args[0], err = encodeGeometry(f.Polygonal, srs.ID, fb)
		if err != nil {
			return eris.Wrapf(err, "gpkg: feature %d", i)
		}
		for j, c := range cols {
			v, ok := f.Props[c.Name]
			if !ok {
				return eris.Errorf("gpkg: feature %d has no value for %s", i, c.Name)
			}
			args[j+1] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "gpkg: inserting feature %d", i)
		}
	}

	var minX, minY, maxX, maxY interface{}
	if len(feats) > 0 {
		minX, minY, maxX, maxY = b.Min.X, b.Min.Y, b.Max.X, b.Max.Y
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO gpkg_contents
(table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`, table, table, minX, minY, maxX, maxY, srs.ID); err != nil {
		return eris.Wrap(err, "gpkg: writing contents")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO gpkg_geometry_columns
(table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, 'geom', 'MULTIPOLYGON', ?, 0, 0)`,
		table, srs.ID); err != nil {
		return eris.Wrap(err, "gpkg: writing geometry columns")
	}
	return eris.Wrap(tx.Commit(), "gpkg: commit")
}

const metadataTables = `
CREATE TABLE gpkg_spatial_ref_sys (
	srs_name TEXT NOT NULL,
	srs_id INTEGER NOT NULL PRIMARY KEY,
	organization TEXT NOT NULL,
	organization_coordsys_id INTEGER NOT NULL,
	definition TEXT NOT NULL,
	description TEXT
);
CREATE TABLE gpkg_contents (
	table_name TEXT NOT NULL PRIMARY KEY,
	data_type TEXT NOT NULL,
	identifier TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x DOUBLE,
	min_y DOUBLE,
	max_x DOUBLE,
	max_y DOUBLE,
	srs_id INTEGER,
	CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);
CREATE TABLE gpkg_geometry_columns (
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id INTEGER NOT NULL,
	z TINYINT NOT NULL,
	m TINYINT NOT NULL,
	CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
	CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
	CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys (srs_id)
);
`

func createMetadata(ctx context.Context, tx *sql.Tx, srs SRS) error {
	for _, q := range []string{
		fmt.Sprintf("PRAGMA application_id = %d", applicationID),
		fmt.Sprintf("PRAGMA user_version = %d", userVersion),
		metadataTables,
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return eris.Wrap(err, "gpkg: creating metadata tables")
		}
	}
	all := defaultSRS
	known := false
	for _, s := range defaultSRS {
		known = known || s.ID == srs.ID
	}
	if !known {
		all = append(all[:len(all):len(all)], srs)
	}
	for _, s := range all {
		if _, err := tx.ExecContext(ctx, `INSERT INTO gpkg_spatial_ref_sys
(srs_name, srs_id, organization, organization_coordsys_id, definition) VALUES (?, ?, ?, ?, ?)`,
			s.Name, s.ID, s.Organization, s.OrgID, s.Definition); err != nil {
			return eris.Wrapf(err, "gpkg: writing spatial reference %d", s.ID)
		}
	}
	return nil
}

// quote quotes an SQL identifier.
func quote(name string) string {
	return `"` + strings.Replace(name, `"`, `""`, -1) + `"`
}

// envelopeSize gives the number of bytes of the envelope for each
// envelope indicator value.
var envelopeSize = [...]int{0, 32, 48, 48, 64}

// decodeGeometry decodes a GeoPackage binary geometry blob. It returns
// nil for empty geometries.
func decodeGeometry(b []byte) (geom.Polygonal, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, eris.New("not a GeoPackage geometry")
	}
	flags := b[3]
	if flags&(1<<4) != 0 {
		return nil, nil
	}
	ei := int(flags>>1) & 7
	if ei >= len(envelopeSize) {
		return nil, eris.Errorf("invalid envelope indicator %d", ei)
	}
	start := 8 + envelopeSize[ei]
	if len(b) < start {
		return nil, eris.New("truncated geometry")
	}
	g, err := wkb.Unmarshal(b[start:])
	if err != nil {
		return nil, eris.Wrap(err, "decoding WKB")
	}
	switch t := g.(type) {
	case *gogeom.Polygon:
		if t.Empty() {
			return nil, nil
		}
		return toPolygon(t.Coords()), nil
	case *gogeom.MultiPolygon:
		if t.Empty() {
			return nil, nil
		}
		c := t.Coords()
		mp := make(geom.MultiPolygon, len(c))
		for i, p := range c {
			mp[i] = toPolygon(p)
		}
		return mp, nil
	default:
		return nil, eris.Errorf("unsupported geometry type %T", g)
	}
}

func toPolygon(c [][]gogeom.Coord) geom.Polygon {
	p := make(geom.Polygon, len(c))
	for i, ring := range c {
		p[i] = make([]geom.Point, len(ring))
		for j, pt := range ring {
			p[i][j] = geom.Point{X: pt.X(), Y: pt.Y()}
		}
	}
	return p
}

// encodeGeometry encodes g as a little-endian GeoPackage multipolygon
// blob with an XY envelope.
func encodeGeometry(g geom.Polygonal, srsID int32, b *geom.Bounds) ([]byte, error) {
	polys := g.Polygons()
	coords := make([][][]gogeom.Coord, len(polys))
	for i, p := range polys {
		coords[i] = make([][]gogeom.Coord, len(p))
		for j, ring := range p {
			coords[i][j] = closedRing(ring)
		}
	}
	mp, err := gogeom.NewMultiPolygon(gogeom.XY).SetCoords(coords)
	if err != nil {
		return nil, eris.Wrap(err, "building multipolygon")
	}
	w, err := wkb.Marshal(mp, wkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "encoding WKB")
	}
	const flags = 1 | 1<<1 // little endian, XY envelope
	o := make([]byte, 8+32, 8+32+len(w))
	o[0], o[1], o[2], o[3] = 'G', 'P', 0, flags
	binary.LittleEndian.PutUint32(o[4:8], uint32(srsID))
	for i, v := range []float64{b.Min.X, b.Max.X, b.Min.Y, b.Max.Y} {
		binary.LittleEndian.PutUint64(o[8+8*i:], math.Float64bits(v))
	}
	return append(o, w...), nil
}

// closedRing converts ring to coordinates, repeating the first point at
// the end if necessary.
func closedRing(ring []geom.Point) []gogeom.Coord {
	o := make([]gogeom.Coord, 0, len(ring)+1)
	for _, p := range ring {
		o = append(o, gogeom.Coord{p.X, p.Y})
	}
	if n := len(ring); n > 0 && ring[0] != ring[n-1] {
		o = append(o, gogeom.Coord{ring[0].X, ring[0].Y})
	}
	return o
}
