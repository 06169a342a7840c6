package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/stossymoji/internal/config"
)

// s3MaxKeys is the largest page ListObjectsV2 returns.
const s3MaxKeys = 1000

// S3Store implements Store on an S3-compatible bucket.
type S3Store struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	publicRead    bool
}

// NewS3Store creates an S3 store from configuration.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// Retry policy belongs to the caller.
		o.Retryer = aws.NopRetryer{}
	})

	return &S3Store{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: publicBaseURL(cfg),
		publicRead:    cfg.PublicRead,
	}, nil
}

func publicBaseURL(cfg config.S3Config) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
}

func (s *S3Store) objectURL(key string) string {
	return s.publicBaseURL + "/" + (&url.URL{Path: key}).EscapedPath()
}

// List lists one page of objects under opts.Prefix.
func (s *S3Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(opts.Prefix),
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(min(opts.Limit, s3MaxKeys)))
	}
	if opts.Cursor != "" {
		input.ContinuationToken = aws.String(opts.Cursor)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, translateS3Error("list", err)
	}

	result := &ListResult{
		Blobs:   make([]Blob, 0, len(out.Contents)),
		Cursor:  aws.ToString(out.NextContinuationToken),
		HasMore: aws.ToBool(out.IsTruncated),
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		u := s.objectURL(key)
		result.Blobs = append(result.Blobs, Blob{
			Pathname:    key,
			Size:        aws.ToInt64(obj.Size),
			UploadedAt:  aws.ToTime(obj.LastModified),
			URL:         u,
			DownloadURL: u + "?download=1",
		})
	}
	return result, nil
}

// Put uploads body under key.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, opts PutOptions) (*Blob, error) {
	if key == "" {
		return nil, fmt.Errorf("object key is required")
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.Public && s.publicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, translateS3Error("put", err)
	}

	u := s.objectURL(key)
	return &Blob{
		Pathname:    key,
		Size:        int64(len(body)),
		ContentType: opts.ContentType,
		UploadedAt:  time.Now().UTC(),
		URL:         u,
		DownloadURL: u + "?download=1",
	}, nil
}

// Delete removes the named objects.
func (s *S3Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return translateS3Error("delete", err)
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return &HTTPError{
			Op:     "delete",
			Status: deleteErrorStatus(aws.ToString(e.Code)),
			Body: fmt.Sprintf("%s: %s (key %s)",
				aws.ToString(e.Code), aws.ToString(e.Message), aws.ToString(e.Key)),
		}
	}
	return nil
}

// deleteErrorStatus maps a per-key DeleteObjects error code to the status S3
// would have sent for the same failure on a single-object request.
func deleteErrorStatus(code string) int {
	switch code {
	case "AccessDenied":
		return http.StatusForbidden
	case "NoSuchKey", "NoSuchBucket":
		return http.StatusNotFound
	case "SlowDown":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// translateS3Error maps service errors onto HTTPError and wraps everything
// else, so transport failures stay inspectable with errors.Is.
func translateS3Error(op string, err error) error {
	var apiErr smithy.APIError
	var statusErr interface{ HTTPStatusCode() int }

	hasAPI := errors.As(err, &apiErr)
	hasStatus := errors.As(err, &statusErr)
	if !hasAPI && !hasStatus {
		return fmt.Errorf("blob store %s request failed: %w", op, err)
	}

	httpErr := &HTTPError{Op: op}
	if hasStatus {
		httpErr.Status = statusErr.HTTPStatusCode()
	}
	if hasAPI {
		httpErr.Body = strings.TrimSpace(apiErr.ErrorCode() + ": " + apiErr.ErrorMessage())
	}
	return httpErr
}
