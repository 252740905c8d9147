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
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/requestcache"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx"
)

// WeightSchema declares the layout of a weight table file.
type WeightSchema struct {
	// CodeColumn and PercentColumn are the headers of the columns
	// holding the class codes and likelihood percents. They are matched
	// case-insensitively.
	CodeColumn, PercentColumn string

	// Sheet is the worksheet to read from an Excel file. If it is empty
	// the first sheet is used.
	Sheet string
}

// LoadWeightTable reads a weight table from a CSV (.csv), Excel (.xlsx)
// or TOML (.toml) file. A TOML file holds an array of tables named
// Weights whose keys are the code and percent columns:
//
//	[[Weights]]
//	code = 111
//	percent = 45.5
//
// Duplicate codes, missing columns and percents that are negative or
// not numbers are precondition failures.
func LoadWeightTable(path string, schema WeightSchema) (WeightTable, error) {
	var (
		rows [][2]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = weightRowsCSV(path, schema)
	case ".xlsx":
		rows, err = weightRowsExcel(path, schema)
	case ".toml":
		rows, err = weightRowsTOML(path, schema)
	default:
		return nil, Preconditionf("dasymap: unsupported weight table file type %q", path)
	}
	if err != nil {
		return nil, Precondition(err, "dasymap: reading weight table %s", path)
	}
	w := make(WeightTable, len(rows))
	for i, r := range rows {
		if strings.TrimSpace(r[0]) == "" && strings.TrimSpace(r[1]) == "" {
			continue // blank line
		}
		code, ok, err := classCode(r[0])
		if err == nil && !ok {
			err = eris.New("missing value")
		}
		if err != nil {
			return nil, Precondition(err, "dasymap: weight table %s row %d: code", path, i+1)
		}
		p, ok, err := attrFloat(r[1])
		if err != nil {
			return nil, Precondition(err, "dasymap: weight table %s row %d: percent", path, i+1)
		}
		if !ok {
			return nil, Preconditionf("dasymap: weight table %s row %d: missing percent for class %d", path, i+1, code)
		}
		if _, dup := w[code]; dup {
			return nil, Preconditionf("dasymap: weight table %s has more than one entry for class %d", path, code)
		}
		w[code] = p
	}
	if err := w.Check(); err != nil {
		return nil, err
	}
	return w, nil
}

// columnIndices finds the code and percent columns in header.
func columnIndices(header []string, schema WeightSchema) (code, pct int, err error) {
	code, pct = -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch {
		case strings.EqualFold(h, schema.CodeColumn):
			code = i
		case strings.EqualFold(h, schema.PercentColumn):
			pct = i
		}
	}
	if code < 0 || pct < 0 {
		return -1, -1, eris.Errorf("missing column %q or %q; the header is %s",
			schema.CodeColumn, schema.PercentColumn, strings.Join(header, ", "))
	}
	return code, pct, nil
}

func weightRowsCSV(path string, schema WeightSchema) ([][2]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrap(err, "reading header")
	}
	ci, pi, err := columnIndices(header, schema)
	if err != nil {
		return nil, err
	}
	var o [][2]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		var row [2]string
		if ci < len(rec) {
			row[0] = rec[ci]
		}
		if pi < len(rec) {
			row[1] = rec[pi]
		}
		o = append(o, row)
	}
	return o, nil
}

// excelCache holds previously opened Excel files.
var excelCache *requestcache.Cache

var loadExcelCacheOnce sync.Once

// loadExcelFile opens an Excel file, using a cache to avoid reading the
// same file more than once.
func loadExcelFile(path string) (*xlsx.File, error) {
	loadExcelCacheOnce.Do(func() {
		excelCache = requestcache.NewCache(func(ctx context.Context, req interface{}) (interface{}, error) {
			f, err := xlsx.OpenFile(req.(string))
			if err != nil {
				return nil, eris.Wrap(err, "opening xlsx file")
			}
			return f, nil
		}, runtime.GOMAXPROCS(-1), requestcache.Memory(100))
	})
	r := excelCache.NewRequest(context.Background(), path, path)
	fI, err := r.Result()
	if err != nil {
		return nil, err
	}
	return fI.(*xlsx.File), nil
}

func weightRowsExcel(path string, schema WeightSchema) ([][2]string, error) {
	f, err := loadExcelFile(path)
	if err != nil {
		return nil, err
	}
	var s *xlsx.Sheet
	if schema.Sheet == "" {
		if len(f.Sheets) == 0 {
			return nil, eris.New("the workbook has no sheets")
		}
		s = f.Sheets[0]
	} else {
		var ok bool
		if s, ok = f.Sheet[schema.Sheet]; !ok {
			return nil, eris.Errorf("no sheet %s", schema.Sheet)
		}
	}
	if s.MaxRow == 0 {
		return nil, eris.Errorf("sheet %s is empty", s.Name)
	}
	header := make([]string, s.MaxCol)
	for i := range header {
		header[i] = s.Cell(0, i).Value
	}
	ci, pi, err := columnIndices(header, schema)
	if err != nil {
		return nil, err
	}
	o := make([][2]string, 0, s.MaxRow-1)
	for j := 1; j < s.MaxRow; j++ {
		o = append(o, [2]string{s.Cell(j, ci).Value, s.Cell(j, pi).Value})
	}
	return o, nil
}

func weightRowsTOML(path string, schema WeightSchema) ([][2]string, error) {
	var t struct {
		Weights []map[string]interface{}
	}
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, eris.Wrap(err, "decoding TOML")
	}
	if len(t.Weights) == 0 {
		return nil, eris.New("no [[Weights]] entries")
	}
	o := make([][2]string, len(t.Weights))
	for i, e := range t.Weights {
		var hasCode, hasPct bool
		for k, v := range e {
			switch {
			case strings.EqualFold(k, schema.CodeColumn):
				o[i][0], hasCode = attrString(v), true
			case strings.EqualFold(k, schema.PercentColumn):
				o[i][1], hasPct = attrString(v), true
			}
		}
		if !hasCode || !hasPct {
			return nil, eris.Errorf("entry %d is missing %q or %q", i+1, schema.CodeColumn, schema.PercentColumn)
		}
	}
	return o, nil
}
