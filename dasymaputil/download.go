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
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/dasymap"
	"github.com/spatialmodel/dasymap/cloud"
)

// Acquire makes the input at location available as a local file and
// returns its path. location can be a local path, an http(s) URL, or a
// blob storage location ('gs://', 's3://', or 'file://'). For shapefiles,
// the associated .dbf, .shx and .prj files are fetched as well. A .zip
// archive is extracted and the path to the first shapefile, GeoPackage or
// GeoJSON file inside it is returned.
//
// release removes any scratch files created by Acquire. Any failure is
// an ErrAcquisition.
func Acquire(ctx context.Context, location string, log logrus.FieldLogger) (path string, release func() error, err error) {
	noop := func() error { return nil }
	if log == nil {
		log = logrus.StandardLogger()
	}
	isLocal := false
	if _, err := os.Stat(location); err == nil {
		isLocal = true
	}
	if isLocal && strings.ToLower(filepath.Ext(location)) != ".zip" {
		return location, noop, nil
	}

	dir, err := ioutil.TempDir("", "dasymap")
	if err != nil {
		return "", noop, dasymap.Acquisition(err, "dasymaputil: creating temporary download directory")
	}
	release = func() error { return os.RemoveAll(dir) }
	defer func() {
		if err != nil {
			release()
			release = noop
		}
	}()

	switch {
	case isLocal:
		path = location
	case isHTTP(location):
		path, err = downloadHTTP(ctx, location, dir, log)
	case cloud.IsBlob(location):
		path, err = downloadBlob(ctx, location, dir)
	default:
		err = eris.Errorf("%s is not an existing file, a URL, or a blob storage location", location)
	}
	if err != nil {
		return "", release, dasymap.Acquisition(err, "dasymaputil: acquiring %s", location)
	}
	log.WithFields(logrus.Fields{"location": location, "path": path}).Debug("dasymaputil fetched input")

	if strings.ToLower(filepath.Ext(path)) == ".zip" {
		path, err = unzip(path, dir)
		if err != nil {
			return "", release, dasymap.Acquisition(err, "dasymaputil: extracting %s", location)
		}
	}
	return path, release, nil
}

func isHTTP(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// isRemote reports whether location is fetched over the network by Acquire.
func isRemote(location string) bool {
	return isHTTP(location) || cloud.IsBlob(location)
}

// expandShp returns the given file + associated [.dbf, .shx, .prj]
// files if the given file has the .shp extension, and returns the given
// file otherwise.
func expandShp(filename string) []string {
	o := []string{filename}
	ext := filepath.Ext(filename)
	if strings.ToLower(ext) != ".shp" {
		return o
	}
	base := strings.TrimSuffix(filename, ext)
	for _, newExt := range []string{".dbf", ".shx", ".prj"} {
		o = append(o, base+newExt)
	}
	return o
}

// optional reports whether a missing file does not prevent the input from
// being read.
func optional(fname string) bool {
	return strings.ToLower(filepath.Ext(fname)) == ".prj"
}

// errStatus is returned when an HTTP request is not successful.
type errStatus struct {
	url    string
	status string
	code   int
}

func (e *errStatus) Error() string { return e.url + ": " + e.status }

// downloadHTTP downloads a file from the specified URL to dir and returns
// the path to the downloaded file. Requests that fail because of the
// network or a server error are retried.
func downloadHTTP(ctx context.Context, location, dir string, log logrus.FieldLogger) (string, error) {
	fnames := expandShp(location)
	for _, fname := range fnames {
		var notFound error
		err := backoff.RetryNotify(
			func() error {
				err := getHTTP(ctx, fname, filepath.Join(dir, filepath.Base(fname)))
				if e, ok := err.(*errStatus); ok && e.code < 500 {
					notFound = err // Not worth retrying.
					return nil
				}
				return err
			},
			backoff.WithContext(backoff.WithMaxRetries(newBackOff(), 4), ctx),
			func(err error, d time.Duration) {
				log.WithError(err).Warnf("dasymaputil download failed, retrying in %v", d)
			},
		)
		if err == nil {
			err = notFound
		}
		if err != nil {
			if optional(fname) {
				os.Remove(filepath.Join(dir, filepath.Base(fname)))
				continue
			}
			return "", err
		}
	}
	return filepath.Join(dir, filepath.Base(fnames[0])), nil
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return b
}

func getHTTP(ctx context.Context, url, path string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &errStatus{url: url, status: resp.Status, code: resp.StatusCode}
	}
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// downloadBlob downloads the specified file from blob storage to dir.
func downloadBlob(ctx context.Context, location, dir string) (string, error) {
	bucketName, key, err := cloud.Split(location)
	if err != nil {
		return "", err
	}
	bucket, err := cloud.OpenBucket(ctx, bucketName)
	if err != nil {
		return "", err
	}
	fnames := expandShp(key)
	for _, fname := range fnames {
		r, err := bucket.NewReader(ctx, fname)
		if err != nil {
			if optional(fname) {
				continue
			}
			return "", eris.Wrapf(err, "reading %s", fname)
		}
		err = copyToFile(filepath.Join(dir, filepath.Base(fname)), r)
		r.Close()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, filepath.Base(fnames[0])), nil
}

func copyToFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// unzip extracts the archive at path into a directory in dir named after
// the archive and returns the first geometry file in it.
func unzip(path, dir string) (string, error) {
	z, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer z.Close()
	dest := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	for _, f := range z.File {
		p := filepath.Join(dest, f.Name)
		if p != dest && !strings.HasPrefix(p, dest+string(os.PathSeparator)) {
			return "", eris.Errorf("archive entry %s is outside of the archive directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(p, os.ModePerm); err != nil {
				return "", err
			}
			continue
		}
		r, err := f.Open()
		if err != nil {
			return "", err
		}
		err = copyToFile(p, r)
		r.Close()
		if err != nil {
			return "", err
		}
	}
	return findGeometryFile(dest)
}

// findGeometryFile returns the first shapefile, GeoPackage or GeoJSON
// file in dir or its subdirectories, in lexical order.
func findGeometryFile(dir string) (string, error) {
	var found []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".shp", ".gpkg", ".geojson":
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", eris.New("the archive contains no shapefile, GeoPackage or GeoJSON file")
	}
	sort.Strings(found)
	return found[0], nil
}
