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
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/go-cloud/blob"
	"github.com/rotisserie/eris"
	"github.com/spatialmodel/dasymap/cloud"
)

type uploader struct {
	// files is a set of file path pairs. The first of each pair
	// is a local file path and the second is a blob storage
	// path where it should be uploaded to.
	files [][2]string
	err   error
	dir   string
}

// maybeUpload checks whether the given output file path refers to
// a blob storage location. If it does, then a temporary file location
// is returned. The file will then be uploaded to blob storage when
// the upload method is run.
func (u *uploader) maybeUpload(path string) string {
	if u.err != nil {
		return ""
	}
	if !cloud.IsBlob(path) {
		return path
	}
	if u.dir == "" {
		u.dir, u.err = ioutil.TempDir("", "dasymap")
		if u.err != nil {
			return ""
		}
	}
	files := expandShp(path)
	for _, f := range files {
		u.files = append(u.files, [2]string{
			filepath.Join(u.dir, filepath.Base(f)),
			f,
		})
	}
	return filepath.Join(u.dir, filepath.Base(files[0]))
}

// upload copies the files registered by maybeUpload to blob storage.
// Shapefile support files that were not created are skipped.
func (u *uploader) upload(ctx context.Context) error {
	if u.err != nil {
		return u.err
	}
	for _, files := range u.files {
		if _, err := os.Stat(files[0]); os.IsNotExist(err) && optional(files[0]) {
			continue
		}
		if err := uploadFile(ctx, files[0], files[1]); err != nil {
			return err
		}
	}
	return nil
}

func uploadFile(ctx context.Context, local, location string) error {
	r, err := os.Open(local)
	if err != nil {
		return eris.Wrapf(err, "dasymaputil: opening file '%s' for upload", local)
	}
	defer r.Close()
	bucketName, key, err := cloud.Split(location)
	if err != nil {
		return err
	}
	bucket, err := cloud.OpenBucket(ctx, bucketName)
	if err != nil {
		return eris.Wrapf(err, "dasymaputil: opening bucket to upload file '%s'", location)
	}
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return eris.Wrapf(err, "dasymaputil: opening writer to upload file '%s'", location)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return eris.Wrapf(err, "dasymaputil: uploading file '%s' to '%s'", local, location)
	}
	return eris.Wrapf(w.Close(), "dasymaputil: closing '%s'", location)
}

// cleanup removes the temporary upload directory.
func (u *uploader) cleanup() error {
	if u.dir == "" {
		return nil
	}
	return os.RemoveAll(u.dir)
}
