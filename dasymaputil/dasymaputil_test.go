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

package dasymaputil

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/dasymap"
)

const regions = `{"type": "FeatureCollection", "features": [
{"type": "Feature", "properties": {"NUTS_ID": "AT130", "pop_2021": 1000, "pop_2020": 990},
 "geometry": {"type": "Polygon", "coordinates": [[[0,0],[2000,0],[2000,1000],[0,1000],[0,0]]]}}
]}`

const landCover = `{"type": "FeatureCollection", "features": [
{"type": "Feature", "properties": {"Code_18": "111"},
 "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1000,0],[1000,1000],[0,1000],[0,0]]]}},
{"type": "Feature", "properties": {"Code_18": "112"},
 "geometry": {"type": "Polygon", "coordinates": [[[1000,0],[2000,0],[2000,1000],[1000,1000],[1000,0]]]}},
{"type": "Feature", "properties": {"Code_18": "523"},
 "geometry": {"type": "Polygon", "coordinates": [[[0,0],[2000,0],[2000,1000],[0,1000],[0,0]]]}}
]}`

const weights = "code,percent,label\n111,25,Continuous urban fabric\n112,75,Discontinuous urban fabric\n"

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// inputs writes the test inputs to dir.
func inputs(t *testing.T, dir string) (regionFile, landCoverFile, weightFile string) {
	return writeFile(t, filepath.Join(dir, "regions.geojson"), regions),
		writeFile(t, filepath.Join(dir, "landcover.geojson"), landCover),
		writeFile(t, filepath.Join(dir, "weights.csv"), weights)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = ioutil.Discard
	return l
}

func TestLoadConfig(t *testing.T) {
	cfg := viper.New()
	cfg.Set("Regions.File", "${DASYMAP_TEST_DIR}/regions.geojson")
	cfg.Set("Regions.IDField", "NUTS_ID")
	cfg.Set("Regions.PopulationPrefix", "pop_")
	cfg.Set("Regions.PopulationYear", "2021")
	cfg.Set("LandCover.File", "landcover.gpkg")
	cfg.Set("LandCover.Layer", "clc_2018")
	cfg.Set("LandCover.ClassField", "code_18")
	cfg.Set("LandCover.ClassAliases", "[code_12,code]")
	cfg.Set("Weights.File", "weights.xlsx")
	cfg.Set("Weights.CodeColumn", "code")
	cfg.Set("Weights.PercentColumn", "percent")
	cfg.Set("AreaScale", "1e-6")
	cfg.Set("OutputFile", "out/[JOB]/refined.shp")
	cfg.Set("OutputVariables", `{"Density": "EstPop / AreaKm2"}`)
	cfg.Set("LogLevel", "warning")
	os.Setenv("DASYMAP_TEST_DIR", "/data")
	defer os.Unsetenv("DASYMAP_TEST_DIR")

	c, err := LoadConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if c.RegionFile != "/data/regions.geojson" {
		t.Errorf("region file: %s", c.RegionFile)
	}
	if c.JobID == "" || c.OutputFile != "out/"+c.JobID+"/refined.shp" {
		t.Errorf("output file: %s (job %s)", c.OutputFile, c.JobID)
	}
	if c.LogFile != "out/"+c.JobID+"/refined.log" {
		t.Errorf("log file: %s", c.LogFile)
	}
	if pop, _ := c.Regions.Population(); pop != "pop_2021" {
		t.Errorf("population field: %s", pop)
	}
	if c.LandCover.Layer != "clc_2018" || c.Regions.Layer != "" {
		t.Errorf("layers: %q %q", c.Regions.Layer, c.LandCover.Layer)
	}
	if strings.Join(c.LandCover.ClassAliases, ",") != "code_12,code" {
		t.Errorf("aliases: %v", c.LandCover.ClassAliases)
	}
	if c.AreaScale != 1e-6 {
		t.Errorf("area scale: %g", c.AreaScale)
	}
	if c.LogLevel != logrus.WarnLevel {
		t.Errorf("log level: %v", c.LogLevel)
	}
	if c.OutputVariables["Density"] != "EstPop / AreaKm2" {
		t.Errorf("output variables: %v", c.OutputVariables)
	}

	for _, test := range []struct {
		key  string
		val  interface{}
		want string
	}{
		{key: "Regions.File", val: "", want: "Regions.File"},
		{key: "LandCover.ClassField", val: "", want: "LandCover.ClassField"},
		{key: "Regions.PopulationYear", val: "", want: "Regions.PopulationField"},
		{key: "AreaScale", val: -1.0, want: "AreaScale"},
		{key: "AreaScale", val: "x", want: "AreaScale"},
		{key: "LogLevel", val: "loud", want: "LogLevel"},
		{key: "OutputVariables", val: "{", want: "OutputVariables"},
		{key: "Workers", val: -2, want: "Workers"},
	} {
		t.Run(test.key, func(t *testing.T) {
			old := cfg.Get(test.key)
			cfg.Set(test.key, test.val)
			defer cfg.Set(test.key, old)
			_, err := LoadConfig(cfg)
			if !errors.Is(err, dasymap.ErrPrecondition) {
				t.Fatalf("want precondition failure, have %v", err)
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not name %s", err, test.want)
			}
		})
	}
}

func TestAcquireLocal(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, filepath.Join(t.TempDir(), "weights.csv"), weights)
	p, release, err := Acquire(ctx, path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if p != path {
		t.Errorf("have %s, want %s", p, path)
	}

	_, _, err = Acquire(ctx, "/does/not/exist.shp", quietLogger())
	if !errors.Is(err, dasymap.ErrAcquisition) {
		t.Errorf("want acquisition failure, have %v", err)
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	z := zip.NewWriter(f)
	for name, contents := range files {
		w, err := z.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(contents)); err != nil {
			t.Fatal(err)
		}
	}
	if err := z.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireHTTP(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, ext := range []string{".shp", ".dbf", ".shx"} {
		writeFile(t, filepath.Join(dir, "clc"+ext), ext)
	}
	writeFile(t, filepath.Join(dir, "weights.csv"), weights)
	writeZip(t, filepath.Join(dir, "landcover.zip"), map[string]string{
		"readme.txt":        "land cover",
		"landcover.geojson": landCover,
	})
	writeZip(t, filepath.Join(dir, "nested.zip"), map[string]string{
		"inside/clc.shp": "shp",
		"inside/clc.dbf": "dbf",
	})
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	t.Run("shapefile", func(t *testing.T) {
		p, release, err := Acquire(ctx, srv.URL+"/clc.shp", quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(p) != "clc.shp" {
			t.Errorf("have %s", p)
		}
		for _, ext := range []string{".dbf", ".shx"} {
			if _, err := os.Stat(strings.TrimSuffix(p, ".shp") + ext); err != nil {
				t.Error(err)
			}
		}
		if _, err := os.Stat(strings.TrimSuffix(p, ".shp") + ".prj"); !os.IsNotExist(err) {
			t.Errorf("missing .prj file should be skipped: %v", err)
		}
		if err := release(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("release should remove downloaded files: %v", err)
		}
	})
	t.Run("zip", func(t *testing.T) {
		p, release, err := Acquire(ctx, srv.URL+"/landcover.zip", quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		if !strings.HasSuffix(p, filepath.Join("landcover", "landcover.geojson")) {
			t.Errorf("expected tempDir/landcover/landcover.geojson, got %s", p)
		}
	})
	t.Run("nested zip", func(t *testing.T) {
		p, release, err := Acquire(ctx, srv.URL+"/nested.zip", quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		if !strings.HasSuffix(p, filepath.Join("nested", "inside", "clc.shp")) {
			t.Errorf("expected tempDir/nested/inside/clc.shp, got %s", p)
		}
	})
	t.Run("local zip", func(t *testing.T) {
		p, release, err := Acquire(ctx, filepath.Join(dir, "landcover.zip"), quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		if filepath.Base(p) != "landcover.geojson" {
			t.Errorf("have %s", p)
		}
	})
	t.Run("not found", func(t *testing.T) {
		_, _, err := Acquire(ctx, srv.URL+"/missing.gpkg", quietLogger())
		if !errors.Is(err, dasymap.ErrAcquisition) {
			t.Errorf("want acquisition failure, have %v", err)
		}
	})
	t.Run("missing sidecar", func(t *testing.T) {
		writeFile(t, filepath.Join(dir, "nodbf.shp"), "shp")
		_, _, err := Acquire(ctx, srv.URL+"/nodbf.shp", quietLogger())
		if !errors.Is(err, dasymap.ErrAcquisition) {
			t.Errorf("want acquisition failure, have %v", err)
		}
	})
	t.Run("no geometry in zip", func(t *testing.T) {
		writeZip(t, filepath.Join(dir, "empty.zip"), map[string]string{"a.txt": "a"})
		_, _, err := Acquire(ctx, srv.URL+"/empty.zip", quietLogger())
		if !errors.Is(err, dasymap.ErrAcquisition) {
			t.Errorf("want acquisition failure, have %v", err)
		}
	})
}

func TestAcquireBlob(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, "in", "weights.csv"), weights)
	p, release, err := Acquire(context.Background(), "file://"+path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	b, err := ioutil.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != weights {
		t.Errorf("have %q", b)
	}
}

type outputCollection struct {
	Features []struct {
		Properties struct {
			RegionID string
			Class    int
			EstPop   float64
			Fraction float64
			Density  float64
		} `json:"properties"`
	} `json:"features"`
}

func testConfig(t *testing.T, dir string) *Config {
	r, lc, w := inputs(t, dir)
	return &Config{
		JobID:         "test",
		RegionFile:    r,
		Regions:       dasymap.RegionSchema{IDField: "NUTS_ID", PopulationPrefix: "pop_", PopulationYear: "2021"},
		LandCoverFile: lc,
		LandCover:     dasymap.LandCoverSchema{ClassField: "code_18"},
		WeightFile:    w,
		Weights:       dasymap.WeightSchema{CodeColumn: "code", PercentColumn: "percent"},
		AreaScale:     dasymap.DefaultAreaScale,
		OutputFile:    filepath.Join(dir, "out", "refined.geojson"),
		OutputVariables: map[string]string{
			"Density": "EstPop / AreaKm2",
		},
		LogFile:     filepath.Join(dir, "out", "refined.log"),
		LogLevel:    logrus.InfoLevel,
		DownloadURL: "https://example.com/jobs/test/",
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)
	res, err := Run(context.Background(), c, ioutil.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Records != 2 || res.Summary.Filtered[523] != 1 {
		t.Errorf("summary: %+v", res.Summary)
	}

	b, err := ioutil.ReadFile(c.OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	var fc outputCollection
	if err := json.Unmarshal(b, &fc); err != nil {
		t.Fatal(err)
	}
	want := map[int]float64{111: 250, 112: 750}
	if len(fc.Features) != len(want) {
		t.Fatalf("have %d features, want %d", len(fc.Features), len(want))
	}
	for _, f := range fc.Features {
		p := f.Properties
		if p.RegionID != "AT130" || math.Abs(p.EstPop-want[p.Class]) > 1e-8 {
			t.Errorf("class %d: have %s %g, want %g", p.Class, p.RegionID, p.EstPop, want[p.Class])
		}
		if math.Abs(p.Density-p.EstPop) > 1e-8 { // Each polygon is 1 km².
			t.Errorf("class %d: density %g", p.Class, p.Density)
		}
	}

	log, err := ioutil.ReadFile(c.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"job=test", "dasymaputil finished", "https://example.com/jobs/test/refined.geojson"} {
		if !strings.Contains(string(log), s) {
			t.Errorf("log file does not contain %q:\n%s", s, log)
		}
	}
}

func TestRunUpload(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)
	out := filepath.Join(dir, "bucket", "job", "refined.shp")
	c.OutputFile = "file://" + out
	c.LogFile = checkLogFile("", c.OutputFile)
	if _, err := Run(context.Background(), c, ioutil.Discard); err != nil {
		t.Fatal(err)
	}
	for _, ext := range []string{".shp", ".dbf", ".shx", ".log"} {
		if _, err := os.Stat(strings.TrimSuffix(out, ".shp") + ext); err != nil {
			t.Error(err)
		}
	}
}

func TestRunPrecondition(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)
	c.Regions.PopulationYear = "1990"
	_, err := Run(context.Background(), c, ioutil.Discard)
	if !errors.Is(err, dasymap.ErrPrecondition) {
		t.Errorf("want precondition failure, have %v", err)
	}
}

func TestRunMalformedInput(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "landcover.geojson"), `{"type": "FeatureCollection", "features": [`)
	writeFile(t, filepath.Join(remote, "regions.geojson"), regions)
	srv := httptest.NewServer(http.FileServer(http.Dir(remote)))
	defer srv.Close()

	t.Run("remote", func(t *testing.T) {
		c := testConfig(t, t.TempDir())
		c.LandCoverFile = srv.URL + "/landcover.geojson"
		_, err := Run(ctx, c, ioutil.Discard)
		if !errors.Is(err, dasymap.ErrAcquisition) || errors.Is(err, dasymap.ErrPrecondition) {
			t.Errorf("want acquisition failure, have %v", err)
		}
	})
	t.Run("local", func(t *testing.T) {
		c := testConfig(t, t.TempDir())
		c.LandCoverFile = filepath.Join(remote, "landcover.geojson")
		_, err := Run(ctx, c, ioutil.Discard)
		if !errors.Is(err, dasymap.ErrPrecondition) {
			t.Errorf("want precondition failure, have %v", err)
		}
	})
	t.Run("remote schema mismatch", func(t *testing.T) {
		c := testConfig(t, t.TempDir())
		c.RegionFile = srv.URL + "/regions.geojson"
		c.Regions.PopulationYear = "1990"
		_, err := Run(ctx, c, ioutil.Discard)
		if !errors.Is(err, dasymap.ErrPrecondition) {
			t.Errorf("want precondition failure, have %v", err)
		}
	})
}

func TestRefineCommand(t *testing.T) {
	dir := t.TempDir()
	r, lc, w := inputs(t, dir)
	out := filepath.Join(dir, "refined.gpkg")
	cfgFile := writeFile(t, filepath.Join(dir, "config.toml"), `
AreaScale = 1.0e-6
OutputFile = "`+out+`"
LogLevel = "error"

[Regions]
File = "`+r+`"
PopulationYear = "2020"

[LandCover]
File = "`+lc+`"

[Weights]
File = "`+w+`"
`)
	Cfg.Set("config", cfgFile)
	defer Cfg.Set("config", "")
	Root.SetArgs([]string{"refine"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Error(err)
	}
}

func TestFields(t *testing.T) {
	dir := t.TempDir()
	r, _, _ := inputs(t, dir)
	fields, err := Fields(context.Background(), r, "", "pop_")
	if err != nil {
		t.Fatal(err)
	}
	want := "NUTS_ID,pop_2020 (population),pop_2021 (population)"
	if strings.Join(fields, ",") != want {
		t.Errorf("have %v, want %s", fields, want)
	}
}
