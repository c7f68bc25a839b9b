package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// Sink stores artifact bytes under name and returns where they went.
type Sink interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// LocalSink writes artifacts into a directory. Existing files are never
// overwritten: a numeric suffix is added instead.
type LocalSink struct {
	Dir string
}

func (s LocalSink) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create output dir %s", dir)
	}
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 0; ; i++ {
		full := filepath.Join(dir, base)
		if i > 0 {
			full = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		}
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", errors.Wrapf(err, "failed to create %s", full)
		}
		_, err = f.Write(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(full)
			return "", errors.Wrapf(err, "failed to write %s", full)
		}
		return full, nil
	}
}

// S3Sink uploads artifacts into a bucket.
type S3Sink struct {
	api    s3iface.S3API
	Bucket string
	Prefix string
}

// MakeS3Sink wraps an existing S3 client.
func MakeS3Sink(api s3iface.S3API, bucket, prefix string) S3Sink {
	return S3Sink{api: api, Bucket: bucket, Prefix: prefix}
}

// NewS3Sink creates a client for region using the default credential chain.
func NewS3Sink(region, bucket, prefix string) (S3Sink, error) {
	if bucket == "" {
		return S3Sink{}, errors.New("s3 sink requires a bucket")
	}
	sess, err := awssession.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return S3Sink{}, errors.Wrap(err, "failed to create AWS session")
	}
	return MakeS3Sink(s3.New(sess), bucket, prefix), nil
}

func (s S3Sink) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := path.Join(s.Prefix, path.Base(name))
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Body:        bytes.NewReader(data),
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload s3://%s/%s", s.Bucket, key)
	}
	return "s3://" + s.Bucket + "/" + key, nil
}
