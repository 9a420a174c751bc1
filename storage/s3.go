package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/configserver/interfaces"
)

// S3Source materializes every object under a bucket prefix.
// The revision is a digest over the object keys and ETags, so a poll that finds
// nothing changed downloads nothing.
//
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=http://minio:9000
type S3Source struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Source creates a new S3 source. Without an access key the default AWS
// credential chain is used.
func NewS3Source(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Source, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create AWS session: %v", interfaces.ErrConfiguration, err)
	}

	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Source{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      prefix,
		log:         log,
		locationURI: uri,
	}, nil
}

type s3Object struct {
	key  string
	etag string
}

// Fetch lists the prefix and downloads it into dst when the listing changed.
func (s *S3Source) Fetch(ctx context.Context, dst string, lastRevision string) (string, error) {
	start := time.Now()

	objects, err := s.list(ctx)
	if err != nil {
		return "", err
	}

	rev := newRevisionHash()
	for _, obj := range objects {
		rev.Add([]byte(obj.key), []byte(obj.etag))
	}
	revision := rev.Sum()
	if revision == lastRevision {
		return "", interfaces.ErrNotModified
	}

	w, err := newTreeWriter(dst)
	if err != nil {
		return "", err
	}
	defer w.Close()
	for _, obj := range objects {
		if err := s.download(ctx, w, obj.key); err != nil {
			_ = os.RemoveAll(dst)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
	}

	s.log.Debug("materialized bucket prefix",
		slog.String("bucket", s.bucketName),
		slog.String("prefix", s.prefix),
		slog.Int("objects", len(objects)),
		slog.Duration("duration", time.Since(start)))
	return revision, nil
}

func (s *S3Source) list(ctx context.Context) ([]s3Object, error) {
	var objects []s3Object
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(s.prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, s3Object{key: key, etag: aws.StringValue(obj.ETag)})
		}
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchBucket {
			return nil, fmt.Errorf("%w: bucket %s does not exist", interfaces.ErrFetch, s.bucketName)
		}
		return nil, fmt.Errorf("%w: list s3://%s/%s: %v", interfaces.ErrFetch, s.bucketName, s.prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].key < objects[j].key })
	return objects, nil
}

func (s *S3Source) download(ctx context.Context, w *treeWriter, key string) error {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		s.log.Error("Failed to get object from S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", key),
			"err", err)
		return fmt.Errorf("%w: get s3://%s/%s: %v", interfaces.ErrFetch, s.bucketName, key, err)
	}
	defer result.Body.Close()

	if err := w.WriteFile(strings.TrimPrefix(key, s.prefix), result.Body, false); err != nil {
		return fmt.Errorf("%w: write %s: %v", interfaces.ErrFetch, key, err)
	}
	return nil
}

// Name returns a unique identifier for this source.
func (s *S3Source) Name() string {
	return "s3"
}

// LocationURI returns the URI that identifies this source.
func (s *S3Source) LocationURI() string {
	return s.locationURI
}
