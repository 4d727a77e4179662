package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3 stores objects in an S3 bucket with public-read ACL.
type S3 struct {
	api    s3iface.S3API
	bucket string
	region string
}

// NewS3 creates an S3 backend using the default credential chain.
func NewS3(region, bucket string) (*S3, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return NewS3WithAPI(s3.New(sess), region, bucket), nil
}

// NewS3WithAPI wraps an existing client.
func NewS3WithAPI(api s3iface.S3API, region, bucket string) *S3 {
	return &S3{api: api, bucket: bucket, region: region}
}

// Put uploads data under key.
func (b *S3) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := b.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		ACL:           aws.String(s3.ObjectCannedACLPublicRead),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.bucket, b.region, escapeKey(key)), nil
}
