package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/imgdrop/internal/convert"
	"github.com/keithlinneman/imgdrop/internal/xerrors"
)

// S3Store mirrors the DiskStore layout into a bucket: blob at
// <prefix>/<id>.<ext>, metadata at <prefix>/<id>.json. Metadata is written
// after the blob so its presence marks a complete save, same contract as
// the disk sidecar.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Store(client *s3.Client, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, xerrors.New("s3 client must not be nil")
	}
	if bucket == "" {
		return nil, xerrors.New("s3 bucket must not be empty")
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) blobKey(meta Meta) string {
	return path.Join(s.prefix, meta.ID+"."+convert.ExtFor(meta.Format))
}

func (s *S3Store) metaKey(id string) string {
	return path.Join(s.prefix, id+".json")
}

func (s *S3Store) Save(ctx context.Context, meta Meta, data []byte) error {
	if !ValidID(meta.ID) {
		return xerrors.Newf("invalid id %q", meta.ID)
	}

	key := s.blobKey(meta)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, key)
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return xerrors.Wrap(err, "marshal metadata")
	}
	mk := s.metaKey(meta.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(mk),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, mk)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, id string) (io.ReadCloser, Meta, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, Meta{}, err
	}
	key := s.blobKey(meta)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, key)
	}
	return out.Body, meta, nil
}

func (s *S3Store) Stat(ctx context.Context, id string) (Meta, error) {
	if !ValidID(id) {
		return Meta{}, ErrNotFound
	}
	key := s.metaKey(id)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	var meta Meta
	if err := json.NewDecoder(out.Body).Decode(&meta); err != nil {
		return Meta{}, xerrors.Wrapf(err, "decode metadata for %s", id)
	}
	return meta, nil
}

// List walks the metadata objects under the prefix. Blobs whose sidecar
// put never completed are invisible, matching the disk backend.
func (s *S3Store) List(ctx context.Context) ([]Meta, error) {
	var out []Meta
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "list s3://%s/%s", s.bucket, s.prefix)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			id := strings.TrimSuffix(path.Base(key), ".json")
			meta, err := s.Stat(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
