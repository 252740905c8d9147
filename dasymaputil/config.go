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
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/dasymap"
	"github.com/spf13/cast"
)

// Config holds the validated configuration of a refinement run.
type Config struct {
	// JobID identifies the run. It replaces the [JOB] wildcard in
	// OutputFile and LogFile.
	JobID string

	RegionFile string
	Regions    dasymap.RegionSchema

	LandCoverFile string
	LandCover     dasymap.LandCoverSchema

	WeightFile string
	Weights    dasymap.WeightSchema

	AreaScale float64

	// SR is the projection that the inputs are converted to before
	// refining. If it is empty, the inputs are used as they are.
	SR string

	OutputFile      string
	OutputVariables map[string]string

	LogFile  string
	LogLevel logrus.Level

	Workers int

	// DownloadURL, if not empty, is the base of the link where the
	// output can be downloaded from.
	DownloadURL string
}

// LoadConfig reads and checks the refinement configuration in cfg.
func LoadConfig(cfg *viper.Viper) (*Config, error) {
	c := &Config{JobID: uuid.New().String()}
	expand := func(key string) string {
		return strings.Replace(os.ExpandEnv(cfg.GetString(key)), "[JOB]", c.JobID, -1)
	}

	c.RegionFile = expand("Regions.File")
	c.Regions = dasymap.RegionSchema{
		Layer:            expand("Regions.Layer"),
		IDField:          expand("Regions.IDField"),
		PopulationField:  expand("Regions.PopulationField"),
		PopulationPrefix: expand("Regions.PopulationPrefix"),
		PopulationYear:   expand("Regions.PopulationYear"),
	}
	c.LandCoverFile = expand("LandCover.File")
	aliases, err := stringSlice(cfg.Get("LandCover.ClassAliases"))
	if err != nil {
		return nil, dasymap.Precondition(err, "dasymaputil: LandCover.ClassAliases")
	}
	c.LandCover = dasymap.LandCoverSchema{
		Layer:        expand("LandCover.Layer"),
		ClassField:   expand("LandCover.ClassField"),
		ClassAliases: expandStringSlice(aliases),
	}
	c.WeightFile = expand("Weights.File")
	c.Weights = dasymap.WeightSchema{
		CodeColumn:    expand("Weights.CodeColumn"),
		PercentColumn: expand("Weights.PercentColumn"),
		Sheet:         expand("Weights.Sheet"),
	}
	c.SR = expand("SR")
	c.OutputFile = expand("OutputFile")
	c.LogFile = checkLogFile(expand("LogFile"), c.OutputFile)
	c.DownloadURL = expand("DownloadURL")
	c.Workers = cfg.GetInt("Workers")

	c.AreaScale, err = cast.ToFloat64E(cfg.Get("AreaScale"))
	if err != nil {
		return nil, dasymap.Precondition(err, "dasymaputil: AreaScale")
	}

	c.LogLevel, err = logrus.ParseLevel(expand("LogLevel"))
	if err != nil {
		return nil, dasymap.Precondition(err, "dasymaputil: LogLevel")
	}

	vars, err := GetStringMapString("OutputVariables", cfg)
	if err != nil {
		return nil, err
	}
	c.OutputVariables = checkOutputVars(vars)

	for _, v := range []struct{ key, val string }{
		{"Regions.File", c.RegionFile},
		{"Regions.IDField", c.Regions.IDField},
		{"LandCover.File", c.LandCoverFile},
		{"LandCover.ClassField", c.LandCover.ClassField},
		{"Weights.File", c.WeightFile},
		{"Weights.CodeColumn", c.Weights.CodeColumn},
		{"Weights.PercentColumn", c.Weights.PercentColumn},
		{"OutputFile", c.OutputFile},
	} {
		if v.val == "" {
			return nil, dasymap.Preconditionf("dasymaputil: the %s configuration variable needs to be set", v.key)
		}
	}
	if _, err := c.Regions.Population(); err != nil {
		return nil, dasymap.Precondition(err, "dasymaputil: set Regions.PopulationField, or Regions.PopulationPrefix and Regions.PopulationYear")
	}
	if !(c.AreaScale > 0) || math.IsInf(c.AreaScale, 0) {
		return nil, dasymap.Preconditionf("dasymaputil: AreaScale=%g but should be a finite number > 0", c.AreaScale)
	}
	if c.Workers < 0 {
		return nil, dasymap.Preconditionf("dasymaputil: Workers=%d but should be >= 0", c.Workers)
	}
	return c, nil
}

// checkOutputVars removes end lines and expands environment
// variables in the output variables.
func checkOutputVars(vars map[string]string) map[string]string {
	o := make(map[string]string, len(vars))
	for k, v := range vars {
		v = strings.Replace(v, "\r\n", " ", -1)
		v = strings.Replace(v, "\n", " ", -1)
		o[os.ExpandEnv(k)] = os.ExpandEnv(v)
	}
	return o
}

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	for i := 0; i < len(s); i++ {
		s[i] = os.ExpandEnv(s[i])
	}
	return s
}

// checkLogFile fills in a default value for the log file path if one isn't
// specified.
func checkLogFile(logFile, outputFile string) string {
	if logFile == "" && outputFile != "" {
		logFile = strings.TrimSuffix(outputFile, filepath.Ext(outputFile)) + ".log"
	}
	return logFile
}

// stringSlice converts a configuration value to a slice of strings. A
// single string is split at commas, which is how lists are given in
// environment variables.
func stringSlice(v interface{}) ([]string, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		o := strings.Split(s, ",")
		for i := range o {
			o[i] = strings.TrimSpace(o[i])
		}
		return o, nil
	}
	return cast.ToStringSliceE(v)
}

// GetStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) (map[string]string, error) {
	i := cfg.Get(varName)
	switch t := i.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return t, nil
	case map[string]interface{}:
		return cast.ToStringMapStringE(t)
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		o := make(map[string]string)
		if err := json.NewDecoder(bytes.NewBufferString(t)).Decode(&o); err != nil {
			return nil, dasymap.Precondition(err, "dasymaputil: parsing %s", varName)
		}
		return o, nil
	default:
		return nil, dasymap.Preconditionf("dasymaputil: invalid type for %s: %#v", varName, i)
	}
}
