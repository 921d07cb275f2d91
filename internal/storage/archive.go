// Package storage keeps off-host copies of issued client bundles in an
// S3-compatible bucket (AWS S3 or MinIO).
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/vidamais/edgeguard/internal/config"
)

// BundleObject is the object name of a bundle under its client prefix.
const BundleObject = "client.p12"

// ObjectAPI is the subset of the S3 client the archive uses.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// BundleArchive stores bundles at <prefix>/<name>/client.p12.
type BundleArchive struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewBundleArchive creates an archive with an S3 client for cfg.
func NewBundleArchive(cfg config.ArchiveConfig) (*BundleArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var opts s3.Options
	opts.Region = cfg.Region
	opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	if cfg.Endpoint != "" {
		// Custom endpoints are MinIO; it needs path-style addressing.
		opts.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		opts.UsePathStyle = true
	}

	return NewBundleArchiveWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix), nil
}

// NewBundleArchiveWithClient creates an archive over an existing client.
func NewBundleArchiveWithClient(client ObjectAPI, bucket, prefix string) *BundleArchive {
	return &BundleArchive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Key returns the object key of name's bundle.
func (a *BundleArchive) Key(name string) string {
	return path.Join(a.prefix, name, BundleObject)
}

func (a *BundleArchive) namePrefix() string {
	if a.prefix == "" {
		return ""
	}
	return a.prefix + "/"
}

// Put uploads the bundle at localPath for name.
func (a *BundleArchive) Put(ctx context.Context, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open bundle %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat bundle %s: %w", localPath, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(name)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/x-pkcs12"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload bundle %s: %w", name, err)
	}
	return nil
}

// Delete removes name's bundle. Deleting an absent object is not an error.
func (a *BundleArchive) Delete(ctx context.Context, name string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete bundle %s: %w", name, err)
	}
	return nil
}

// ArchivedObject is one bundle found in the bucket.
type ArchivedObject struct {
	Name string
	Key  string
	Size int64
	// LastModified is zero when the server did not report it.
	LastModified time.Time
}

// List returns every archived bundle.
func (a *BundleArchive) List(ctx context.Context) ([]ArchivedObject, error) {
	var objects []ArchivedObject

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.namePrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return objects, fmt.Errorf("failed to list bundles: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name, ok := a.nameFromKey(key)
			if !ok {
				continue
			}
			objects = append(objects, ArchivedObject{
				Name:         name,
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (a *BundleArchive) nameFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, a.namePrefix())
	if !ok {
		return "", false
	}
	name, object, ok := strings.Cut(rest, "/")
	if !ok || name == "" || object != BundleObject {
		return "", false
	}
	return name, true
}

// deleteKeys removes keys in one batch request and returns the keys that
// failed with their messages.
func (a *BundleArchive) deleteKeys(ctx context.Context, keys []string) (map[string]string, error) {
	ids := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	out, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(a.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete objects: %w", err)
	}
	failed := make(map[string]string, len(out.Errors))
	for _, e := range out.Errors {
		failed[aws.ToString(e.Key)] = aws.ToString(e.Message)
	}
	return failed, nil
}
