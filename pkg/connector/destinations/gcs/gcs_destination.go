// Package gcs writes full-load batch objects to Google Cloud Storage
package gcs

import (
	"context"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// Target is the GCS object-store target
type Target struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
	logger *zap.Logger
}

// ClientOptions builds storage client options from connection options.
// An endpoint implies an emulator and disables authentication.
func ClientOptions(conn *models.Connection) []option.ClientOption {
	var opts []option.ClientOption
	if f := conn.Option("credentials_file", ""); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}
	if endpoint := conn.Option("endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	return opts
}

// NewTarget creates the storage client and checks the bucket is reachable
func NewTarget(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Target, error) {
	bucket := conn.Option("bucket", conn.Database)
	if bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "gcs target requires a bucket")
	}

	client, err := storage.NewClient(ctx, ClientOptions(conn)...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	handle := client.Bucket(bucket)
	if _, err := handle.Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to access GCS bucket "+bucket)
	}

	l := opts.Logger.With(zap.String("component", "gcs_target"), zap.String("connection_id", conn.ID))
	t := &Target{
		client: client,
		bucket: handle,
		name:   bucket,
		prefix: strings.Trim(conn.Option("prefix", opts.ObjectPrefix), "/"),
		logger: l,
	}
	l.Info("GCS target initialized", zap.String("bucket", bucket), zap.String("prefix", t.prefix))
	return t, nil
}

func (t *Target) Family() models.Family     { return models.FamilyGCS }
func (t *Target) Shape() models.TargetShape { return models.ShapeObjectStore }
func (t *Target) Prefix() string            { return t.prefix }

// PutObject writes body under key. The object is committed when the writer closes.
func (t *Target) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	w := t.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write gs://"+t.name+"/"+key)
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to commit gs://"+t.name+"/"+key)
	}
	t.logger.Debug("object written", zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}

// ObjectExists reports whether key is present in the bucket
func (t *Target) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := t.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConnection, "failed to stat gs://"+t.name+"/"+key)
	}
	return true, nil
}

// Close closes the storage client
func (t *Target) Close(context.Context) error {
	return t.client.Close()
}

func init() {
	_ = registry.RegisterTarget(models.FamilyGCS, NewTarget)
}
