// Package gridfs implements media.StorageProvider on a MongoDB GridFS bucket.
// The storage key is used as the GridFS filename.
package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/memohai/concierge/internal/config"
)

const connectTimeout = 10 * time.Second

// Provider stores attachment blobs in GridFS.
type Provider struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

// New connects to MongoDB and opens the configured bucket.
func New(ctx context.Context, cfg config.GridFSConfig) (*Provider, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	bucket, err := gridfs.NewBucket(client.Database(cfg.Database), options.GridFSBucket().SetName(cfg.Bucket))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create gridfs bucket: %w", err)
	}
	return &Provider{client: client, bucket: bucket}, nil
}

// Put uploads reader under key.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader) error {
	if key == "" {
		return fmt.Errorf("storage key is required")
	}
	opts := options.GridFSUpload().SetMetadata(bson.M{"uploaded_at": time.Now().UTC()})
	if _, err := p.bucket.UploadFromStream(key, reader, opts); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Open streams the newest revision of key. A missing key reports fs.ErrNotExist.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	stream, err := p.bucket.OpenDownloadStreamByName(key)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return stream, nil
}

// Delete removes every revision stored under key.
func (p *Provider) Delete(ctx context.Context, key string) error {
	cursor, err := p.bucket.Find(bson.M{"filename": key})
	if err != nil {
		return fmt.Errorf("find %s: %w", key, err)
	}
	var files []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cursor.All(ctx, &files); err != nil {
		return fmt.Errorf("read %s revisions: %w", key, err)
	}
	for _, f := range files {
		if err := p.bucket.Delete(f.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// AccessPath returns "": GridFS blobs have no public link.
func (p *Provider) AccessPath(string) string {
	return ""
}

// Ping checks the MongoDB connection.
func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}

// Close disconnects the MongoDB client.
func (p *Provider) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}
