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

// Package cloud opens blob storage buckets on the local file system,
// Google Cloud Storage and AWS S3.
package cloud

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/google/go-cloud/blob"
	"github.com/google/go-cloud/blob/fileblob"
	"github.com/google/go-cloud/blob/gcsblob"
	"github.com/google/go-cloud/blob/s3blob"
	"github.com/google/go-cloud/gcp"
	"github.com/rotisserie/eris"
)

// IsBlob returns whether the given location represents a blob,
// i.e., if it starts with 'gs://', 's3://', or 'file://'.
func IsBlob(location string) bool {
	return strings.HasPrefix(location, "gs://") || strings.HasPrefix(location, "s3://") || strings.HasPrefix(location, "file://")
}

// Split splits a blob location such as 'gs://bucket/dir/file.shp' into
// the bucket name ('gs://bucket') and the key within the bucket
// ('dir/file.shp'). For 'file:///abs/path' the bucket is the root of
// the file system.
func Split(location string) (bucketName, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", eris.Wrapf(err, "cloud: parsing %s", location)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", eris.Errorf("cloud: %s does not name a blob", location)
	}
	return u.Scheme + "://" + u.Host, key, nil
}

// OpenBucket returns the blob storage bucket specified by bucketName,
// where bucketName must be in the format 'provider://name' where provider
// is the name of the storage provider and name is the name of the bucket.
// Even if name contains subdirectories, only the base directory name will be
// used when opening the bucket.
// The currently accepted storage providers are "file" for the local filesystem
// (e.g., for testing), "gs" for Google Cloud Storage, and "s3" for AWS S3.
func OpenBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	u, err := url.Parse(bucketName)
	if err != nil {
		return nil, eris.Wrap(err, "cloud.OpenBucket")
	}
	switch u.Scheme {
	case "file":
		dir := u.Hostname()
		if dir == "" {
			dir = "/"
		}
		b, err := fileblob.NewBucket(dir)
		return b, eris.Wrapf(err, "cloud.OpenBucket: %s", bucketName)
	case "gs":
		return gsBucket(ctx, u.Hostname())
	case "s3":
		return s3Bucket(ctx, u.Hostname())
	default:
		return nil, eris.Errorf("cloud.OpenBucket: invalid provider %s", u.Scheme)
	}
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	// See here for information on credentials:
	// https://cloud.google.com/docs/authentication/getting-started
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "cloud: finding Google Cloud credentials")
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, eris.Wrap(err, "cloud: creating Google Cloud client")
	}
	b, err := gcsblob.OpenBucket(ctx, name, c)
	return b, eris.Wrapf(err, "cloud: opening bucket gs://%s", name)
}

// s3Bucket opens an s3 storage bucket. It assumes the following
// environment variables are set: AWS_REGION, AWS_ACCESS_KEY_ID, and
// AWS_SECRET_ACCESS_KEY.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "eu-central-1"
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}
	s, err := session.NewSession(c)
	if err != nil {
		return nil, eris.Wrap(err, "cloud: creating AWS session")
	}
	b, err := s3blob.OpenBucket(ctx, s, name)
	return b, eris.Wrapf(err, "cloud: opening bucket s3://%s", name)
}
