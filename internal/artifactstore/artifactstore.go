// Package artifactstore implements the artifact-store contract
// (putArtifact/getArtifact/saveUploadedFile). A file-backed Store is the
// default; the atomic write and tolerant-read pattern is the same one
// used by internal/org and internal/conversation.
package artifactstore

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zhanglunet/agentsociety/internal/config"
	"github.com/zhanglunet/agentsociety/internal/kernelerr"
)

// Artifact is the stored shape returned by GetArtifact.
type Artifact struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Content  []byte         `json:"content"`
	IsBinary bool           `json:"isBinary"`
	MimeType string         `json:"mimeType,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// UploadMetadata describes an uploaded file passed to SaveUploadedFile.
type UploadMetadata struct {
	Filename string
	MimeType string
	Type     string
}

// Store is the consumed artifact contract.
type Store interface {
	PutArtifact(typ string, content []byte, isBinary bool, meta map[string]any) (string, error)
	GetArtifact(ref string) (*Artifact, error)
	SaveUploadedFile(data []byte, meta UploadMetadata) (ref string, resultMeta map[string]any, err error)
}

// FileStore is the default file-backed artifact store.
type FileStore struct {
	dir string
}

// NewFileStore constructs a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// PutArtifact stores content and returns a ref of the form "artifact:<uuid>".
func (s *FileStore) PutArtifact(typ string, content []byte, isBinary bool, meta map[string]any) (string, error) {
	id := uuid.NewString()
	art := Artifact{ID: id, Type: typ, Content: content, IsBinary: isBinary, Meta: meta}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	path := s.pathFor(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	return "artifact:" + id, nil
}

// GetArtifact resolves a ref to its stored artifact, or nil if not found.
func (s *FileStore) GetArtifact(ref string) (*Artifact, error) {
	id := strings.TrimPrefix(ref, "artifact:")
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, kernelerr.Wrap(kernelerr.PersistenceError, err)
	}
	return &art, nil
}

// SaveUploadedFile stores raw uploaded bytes as a binary artifact.
func (s *FileStore) SaveUploadedFile(data []byte, meta UploadMetadata) (string, map[string]any, error) {
	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(meta.Filename))
	}
	typ := meta.Type
	if typ == "" {
		typ = "file"
	}
	ref, err := s.PutArtifact(typ, data, true, map[string]any{
		"filename": meta.Filename,
		"mimeType": mimeType,
	})
	if err != nil {
		return "", nil, err
	}
	return ref, map[string]any{"filename": meta.Filename, "mimeType": mimeType, "size": len(data)}, nil
}

// NewFromConfig builds the Store named by cfg.Backend, selecting between
// the file and S3 implementations from a config field rather than a
// build tag.
func NewFromConfig(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		return NewFileStore(cfg.Dir), nil
	case "s3":
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			Prefix:       cfg.S3Prefix,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("artifactstore: unknown backend %q", cfg.Backend)
	}
}
