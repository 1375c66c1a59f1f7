package artifactstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/zhanglunet/agentsociety/internal/kernelerr"
)

// S3StoreConfig configures an S3-compatible artifact store.
type S3StoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store stores artifacts as JSON objects in an S3-compatible bucket,
// carrying the same Artifact envelope (type/isBinary/meta) the
// file-backed Store does.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed Store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("artifactstore: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Store) objectKey(id string) string {
	if s.prefix == "" {
		return id + ".json"
	}
	return path.Join(s.prefix, id+".json")
}

// PutArtifact stores content and returns a ref of the form "artifact:<uuid>".
func (s *S3Store) PutArtifact(typ string, content []byte, isBinary bool, meta map[string]any) (string, error) {
	id := uuid.NewString()
	data, err := json.Marshal(Artifact{ID: id, Type: typ, Content: content, IsBinary: isBinary, Meta: meta})
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	key := s.objectKey(id)
	ctx := context.Background()
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}); err != nil {
		return "", kernelerr.Wrap(kernelerr.PersistenceError, fmt.Errorf("s3 put object: %w", err))
	}
	return "artifact:" + id, nil
}

// GetArtifact resolves a ref to its stored artifact, or nil if not found.
func (s *S3Store) GetArtifact(ref string) (*Artifact, error) {
	id := strings.TrimPrefix(ref, "artifact:")
	key := s.objectKey(id)
	ctx := context.Background()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var notFound *types.NoSuchKey
		var apiErr smithy.APIError
		if errors.As(err, &notFound) || (errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound")) {
			return nil, nil
		}
		return nil, kernelerr.Wrap(kernelerr.PersistenceError, fmt.Errorf("s3 get object: %w", err))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	return &art, nil
}

// SaveUploadedFile stores raw uploaded bytes as a binary artifact.
func (s *S3Store) SaveUploadedFile(data []byte, meta UploadMetadata) (string, map[string]any, error) {
	typ := meta.Type
	if typ == "" {
		typ = "file"
	}
	ref, err := s.PutArtifact(typ, data, true, map[string]any{
		"filename": meta.Filename,
		"mimeType": meta.MimeType,
	})
	if err != nil {
		return "", nil, err
	}
	return ref, map[string]any{"filename": meta.Filename, "mimeType": meta.MimeType, "size": len(data)}, nil
}
