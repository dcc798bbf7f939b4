package inquiry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/siteguard/internal/log"
	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// Sink stores accepted inquiries.
type Sink interface {
	Put(ctx context.Context, rec Record) error
}

// ObjectPutter is the subset of the S3 client S3Sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each inquiry as one JSON object:
// s3://{bucket}/{prefix}/{status}/{yyyy}/{mm}/{dd}/{id}.json
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3Sink(client ObjectPutter, bucket, prefix string) (*S3Sink, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("bucket is required")
	}
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Key returns the object key for rec.
func (s *S3Sink) Key(rec Record) string {
	t := rec.ReceivedAt.UTC()
	return path.Join(s.prefix, string(rec.Status),
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), fmt.Sprintf("%02d", t.Day()),
		rec.ID+".json")
}

func (s *S3Sink) Put(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(err, "marshal inquiry")
	}
	key := s.Key(rec)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	return nil
}

// LogSink only logs that an inquiry arrived, never its contents. Used when no
// bucket is configured (local development).
type LogSink struct {
	Logger log.Logger
}

func (s LogSink) Put(ctx context.Context, rec Record) error {
	l := s.Logger
	if l == nil {
		l = log.Nop()
	}
	l.Info(ctx, "inquiry received",
		"inquiry_id", rec.ID,
		"status", string(rec.Status),
		"spam_score", rec.SpamScore,
	)
	return nil
}
