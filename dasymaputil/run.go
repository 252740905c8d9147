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
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ctessum/geom/proj"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/dasymap"
)

// Run acquires the inputs described by c, refines the region populations
// onto the land cover, and writes the records to c.OutputFile. Log
// messages are written to w and to c.LogFile.
func Run(ctx context.Context, c *Config, w io.Writer) (*dasymap.Result, error) {
	start := time.Now()
	upload := new(uploader)
	defer upload.cleanup()
	outputFile := upload.maybeUpload(c.OutputFile)
	logFile := upload.maybeUpload(c.LogFile)
	if upload.err != nil {
		return nil, upload.err
	}

	logger := logrus.New()
	logger.Level = c.LogLevel
	logger.Out = w
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), os.ModePerm); err != nil {
			return nil, err
		}
		f, err := os.Create(logFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		logger.Out = io.MultiWriter(w, f)
	}
	log := logger.WithField("job", c.JobID)

	loader := &dasymap.Loader{Log: log}
	if c.SR != "" {
		sr, err := proj.Parse(c.SR)
		if err != nil {
			return nil, dasymap.Precondition(err, "dasymaputil: parsing SR")
		}
		loader.SR = sr
	}

	var paths [3]string
	for i, location := range []string{c.WeightFile, c.RegionFile, c.LandCoverFile} {
		path, release, err := Acquire(ctx, location, log)
		if err != nil {
			return nil, err
		}
		defer release()
		paths[i] = path
	}

	weights, err := dasymap.LoadWeightTable(paths[0], c.Weights)
	if err != nil {
		return nil, err
	}
	regions, err := loader.LoadRegions(ctx, paths[1], c.Regions)
	if err != nil {
		return nil, loadError(c.RegionFile, err)
	}
	regionSRS, skipped := loader.SRS, loader.Skipped
	landCover, err := loader.LoadLandCover(ctx, paths[2], c.LandCover)
	if err != nil {
		return nil, loadError(c.LandCoverFile, err)
	}
	skipped += loader.Skipped
	srs := c.SR
	if srs == "" {
		if regionSRS != loader.SRS {
			log.WithFields(logrus.Fields{
				"regions":    regionSRS,
				"land_cover": loader.SRS,
			}).Warn("dasymaputil: the regions and land cover have different spatial references; set SR to project them")
		}
		srs = loader.SRS
	}

	r := &dasymap.Refiner{
		Weights:   weights,
		AreaScale: c.AreaScale,
		Workers:   c.Workers,
		Log:       log,
	}
	res, err := r.Refine(ctx, regions, landCover)
	if err != nil {
		return nil, err
	}

	o, err := dasymap.NewOutputter(outputFile, srs, c.OutputVariables)
	if err != nil {
		return nil, err
	}
	if err := o.Write(ctx, res.Records); err != nil {
		return nil, err
	}

	s := res.Summary
	log.WithFields(logrus.Fields{
		"output":         c.OutputFile,
		"records":        s.Records,
		"population_in":  s.PopulationIn,
		"population_out": s.PopulationOut,
		"skipped_inputs": skipped,
		"digest":         s.Digest,
		"elapsed":        time.Since(start).String(),
	}).Info("dasymaputil finished")
	if c.DownloadURL != "" {
		log.WithField("url", downloadLink(c.DownloadURL, c.OutputFile)).Info("dasymaputil output is available for download")
	}
	if err := upload.upload(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// downloadLink returns the location where a file written to outputFile
// can be downloaded from.
func downloadLink(base, outputFile string) string {
	return strings.TrimSuffix(base, "/") + "/" + filepath.Base(outputFile)
}

// loadError returns err, reclassified as an acquisition failure if the
// file fetched from location could not be decoded.
func loadError(location string, err error) error {
	if isRemote(location) {
		return dasymap.Fetched(err)
	}
	return err
}
