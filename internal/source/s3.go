package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the source uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source fetches assets from an S3-compatible bucket.
type S3Source struct {
	name   string
	s3     S3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Source creates a source reading objects {prefix}/{collection}/{key}_{tier}.
func NewS3Source(name string, s3api S3API, bucket, prefix string, logger *zap.Logger) *S3Source {
	return &S3Source{
		name:   name,
		s3:     s3api,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (s *S3Source) Name() string { return s.name }

func (s *S3Source) objectKey(ref types.AssetRef) string {
	if s.prefix != "" {
		return s.prefix + "/" + ref.String()
	}
	return ref.String()
}

func (s *S3Source) Fetch(ctx context.Context, ref types.AssetRef) ([]byte, error) {
	key := s.objectKey(ref)
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(s.name, ref, classifyS3(err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(s.name, ref, ErrNetwork, fmt.Errorf("reading S3 response: %w", err))
	}
	if resp.ContentLength != nil && int64(len(data)) != *resp.ContentLength {
		return nil, newError(s.name, ref, ErrMalformedResponse,
			fmt.Errorf("object length %d does not match content-length %d", len(data), *resp.ContentLength))
	}
	if len(data) == 0 {
		return nil, newError(s.name, ref, ErrMalformedResponse, fmt.Errorf("empty object %s", key))
	}

	s.logger.Debug("asset downloaded from S3",
		zap.String("ref", ref.String()),
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return data, nil
}

func classifyS3(err error) error {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return ErrNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return ErrAccessDenied
		case "InvalidObjectState", "InvalidRange":
			return ErrMalformedResponse
		}
	}
	return ErrNetwork
}
