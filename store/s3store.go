package store

import (
	"bytes"
	"context"
	"errors"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/latticefs/latticefs/errs"
	"github.com/latticefs/latticefs/merkle"
)

// s3API is the subset of *s3.Client this store calls, narrowed so
// tests can substitute a fake without pulling in a real AWS session.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store is the object-store VersionStore back-end. Put reads the
// whole blob into memory and uploads it with a single PutObject call
// to a `.tmp/<uuid>` key; it does not use multipart upload. A
// server-side CopyObject then publishes it to the final
// content-addressed key, so a reader can never observe a
// half-uploaded blob at its real key.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store builds an S3Store using the default AWS config chain
// (environment, shared config file, instance role).
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errs.IOf("s3store.new", bucket, err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

// newS3StoreWithClient builds an S3Store around any s3API
// implementation, such as a fake.
func newS3StoreWithClient(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(hash merkle.Hash) string {
	if s.prefix == "" {
		return hash.String()
	}
	return s.prefix + "/" + hash.String()
}

func (s *S3Store) tmpKey() string {
	k := ".tmp/" + uuid.NewString()
	if s.prefix != "" {
		return s.prefix + "/" + k
	}
	return k
}

func (s *S3Store) Init(ctx context.Context) error { return nil }

func (s *S3Store) Put(ctx context.Context, hash merkle.Hash, src io.Reader) error {
	if exists, err := s.Exists(ctx, hash); err != nil {
		return err
	} else if exists {
		return nil
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return errs.IOf("s3store.put", hash.String(), err)
	}

	tmpKey := s.tmpKey()
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &tmpKey,
		Body:   bytes.NewReader(data),
	}); err != nil {
		return errs.IOf("s3store.put", hash.String(), err)
	}

	finalKey := s.key(hash)
	source := s.bucket + "/" + tmpKey
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        &finalKey,
		CopySource: &source,
	}); err != nil {
		return errs.IOf("s3store.put", hash.String(), err)
	}

	_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &tmpKey})
	return nil
}

func (s *S3Store) Get(ctx context.Context, hash merkle.Hash) (io.ReadCloser, error) {
	key := s.key(hash)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errs.NotFoundf("s3store.get", key, err)
		}
		return nil, errs.IOf("s3store.get", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Exists(ctx context.Context, hash merkle.Hash) (bool, error) {
	key := s.key(hash)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, errs.IOf("s3store.exists", key, err)
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, hash merkle.Hash) error {
	key := s.key(hash)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return errs.IOf("s3store.delete", key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]merkle.Hash, error) {
	var out []merkle.Hash
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &s.prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errs.IOf("s3store.list", s.bucket, err)
		}
		for _, obj := range page.Contents {
			name := *obj.Key
			if s.prefix != "" {
				name = name[len(s.prefix)+1:]
			}
			if h, err := merkle.ParseHash(name); err == nil {
				out = append(out, h)
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func (s *S3Store) StorageKind() string { return "s3" }

func (s *S3Store) StorageSettings() map[string]string {
	return map[string]string{"kind": "s3", "bucket": s.bucket, "prefix": s.prefix}
}
