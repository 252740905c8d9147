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

// Package dasymaputil contains the command-line interface for dasymap.
package dasymaputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/dasymap"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to dasymap.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Regions.File",
			usage: `
              Regions.File is the location of the shapefile, GeoJSON file or
              GeoPackage holding the regions and their population counts.
              It can be a local path, an http(s) URL, a blob storage location
              (gs://, s3:// or file://) or a .zip archive, and can include
              environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags(), fieldsCmd.Flags()},
		},
		{
			name: "Regions.Layer",
			usage: `
              Regions.Layer is the feature table to read when Regions.File is
              a GeoPackage. If it is empty, the first feature table in
              alphabetical order is read.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags(), fieldsCmd.Flags()},
		},
		{
			name: "Regions.IDField",
			usage: `
              Regions.IDField is the attribute of the regions holding the
              region identifier.`,
			defaultVal: "NUTS_ID",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "Regions.PopulationField",
			usage: `
              Regions.PopulationField is the attribute of the regions holding
              the population count. If it is empty, the attribute name is
              Regions.PopulationPrefix followed by Regions.PopulationYear.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "Regions.PopulationPrefix",
			usage: `
              Regions.PopulationPrefix is the beginning of the name of the
              population attributes, which are named by year.`,
			defaultVal: "pop_",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags(), fieldsCmd.Flags()},
		},
		{
			name: "Regions.PopulationYear",
			usage: `
              Regions.PopulationYear is the year of the population count to use.`,
			defaultVal: "2021",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "LandCover.File",
			usage: `
              LandCover.File is the location of the land-cover polygons.
              It accepts the same kinds of locations as Regions.File.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "LandCover.Layer",
			usage: `
              LandCover.Layer is the feature table to read when LandCover.File
              is a GeoPackage, chosen in the same way as Regions.Layer.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "LandCover.ClassField",
			usage: `
              LandCover.ClassField is the attribute of the land-cover polygons
              holding the integer class code. It is matched case-insensitively.`,
			defaultVal: "code_18",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "LandCover.ClassAliases",
			usage: `
              LandCover.ClassAliases are other names for the class attribute,
              tried in order when LandCover.ClassField is not present.`,
			defaultVal: []string{"code_12", "code_06", "code"},
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "Weights.File",
			usage: `
              Weights.File is the location of the weight table giving the
              population likelihood percent of each land-cover class. It can be
              a .csv, .xlsx or .toml file.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "Weights.CodeColumn",
			usage: `
              Weights.CodeColumn is the column of the weight table holding the
              land-cover class codes.`,
			defaultVal: "code",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "Weights.PercentColumn",
			usage: `
              Weights.PercentColumn is the column of the weight table holding
              the population likelihood percents.`,
			defaultVal: "percent",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "Weights.Sheet",
			usage: `
              Weights.Sheet is the worksheet to read when the weight table is an
              Excel file. The first sheet is used if it is empty.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "AreaScale",
			usage: `
              AreaScale converts the area units of the geometry to square
              kilometers. The default is for geometry in meters.`,
			defaultVal: dasymap.DefaultAreaScale,
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "SR",
			usage: `
              SR is the projection, in Proj4 or WKT format, that the regions and
              land cover are converted to before refining. If it is empty the
              inputs must already share a projection.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is the path to the desired output file location. It can
              be a shapefile (.shp), GeoJSON file (.geojson) or GeoPackage (.gpkg),
              in a local directory or in blob storage, and can include environment
              variables. [JOB] is replaced by the job ID.`,
			defaultVal: "dasymap_output_[JOB].gpkg",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "OutputVariables",
			usage: `
              OutputVariables specifies additional output fields as expressions of
              the record fields Class, Weight, AreaKm2, Fraction and EstPop.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "LogFile",
			usage: `
              LogFile is the path to the desired logfile location. It can include
              environment variables. If LogFile is left blank, the logfile will be saved in
              the same location as the OutputFile.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel is the minimum level of log messages to write:
              debug, info, warning or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "Workers",
			usage: `
              Workers is the number of processors to use for the overlay.
              0 means all of them.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
		{
			name: "DownloadURL",
			usage: `
              DownloadURL, if set, is the address that OutputFile is published
              under. The resulting download link is logged.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{refineCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("DASYMAP")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := strings.TrimSpace(b.String())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
			Cfg.BindEnv(option.name, "DASYMAP_"+strings.Replace(option.name, ".", "_", -1))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(refineCmd)
	Root.AddCommand(fieldsCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return dasymap.Precondition(err, "dasymap: problem reading configuration file")
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "dasymap",
	Short: "A dasymetric population refinement tool.",
	Long: `dasymap distributes the population counts of administrative regions onto
land-cover polygons, in proportion to the population likelihood of each
land-cover class and the area of each polygon.
Use the subcommands specified below to access the functionality.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'DASYMAP_var' where 'var' is the
name of the variable to be set, with '.' replaced by '_'. Many configuration
variables are additionally allowed to contain environment variables within them.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of dasymap.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("dasymap v%s\n", dasymap.Version)
	},
	DisableAutoGenTag: true,
}

// refineCmd refines the region populations onto the land cover.
var refineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Refine region populations onto land cover.",
	Long: `refine reads the regions, land cover and weight table, distributes the
population of each region onto the land-cover polygons that intersect it,
and writes one record per region and land-cover class to OutputFile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(Cfg)
		if err != nil {
			return err
		}
		_, err = Run(context.Background(), c, cmd.OutOrStderr())
		return err
	},
	DisableAutoGenTag: true,
}

// fieldsCmd lists the attributes of a geometry file.
var fieldsCmd = &cobra.Command{
	Use:   "fields [file]",
	Short: "List the attributes of a geometry file.",
	Long: `fields prints the attribute names of a shapefile, GeoJSON file or GeoPackage,
by default Regions.File. Attributes that begin with Regions.PopulationPrefix are
marked as population fields.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		location := Cfg.GetString("Regions.File")
		if len(args) == 1 {
			location = args[0]
		}
		if location == "" {
			return dasymap.Preconditionf("dasymap: specify a file or set Regions.File")
		}
		fields, err := Fields(context.Background(), location, Cfg.GetString("Regions.Layer"), Cfg.GetString("Regions.PopulationPrefix"))
		if err != nil {
			return err
		}
		for _, f := range fields {
			cmd.Println(f)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

// Fields returns the attribute names of the geometry file at location.
// layer selects a GeoPackage feature table. Names beginning with
// populationPrefix are followed by " (population)".
func Fields(ctx context.Context, location, layer, populationPrefix string) ([]string, error) {
	path, release, err := Acquire(ctx, location, nil)
	if err != nil {
		return nil, err
	}
	defer release()
	fields, err := dasymap.Fields(ctx, path, layer)
	if err != nil {
		return nil, loadError(location, err)
	}
	o := make([]string, len(fields))
	for i, f := range fields {
		o[i] = f
		if populationPrefix != "" && strings.HasPrefix(f, populationPrefix) {
			o[i] = fmt.Sprintf("%s (population)", f)
		}
	}
	return o, nil
}
