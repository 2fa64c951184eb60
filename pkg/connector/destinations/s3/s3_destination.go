// Package s3 writes full-load batch objects to Amazon S3 or an S3 compatible store
package s3

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

const (
	defaultUploadPartSize = 5 * 1024 * 1024 // 5MB
	defaultMaxConcurrency = 4
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type headAPI interface {
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Target is the S3 object-store target
type Target struct {
	bucket   string
	prefix   string
	uploader uploader
	head     headAPI
	logger   *zap.Logger
}

// Settings are the connection options the S3 target reads
type Settings struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	AccessKeyID    string
	SecretKey      string
	PathStyle      bool
	UploadPartSize int64
	MaxConcurrency int
}

// SettingsFrom reads target settings from a connection. The bucket defaults to the
// connection's database and the prefix to the registry's object prefix.
func SettingsFrom(conn *models.Connection, opts registry.Options) (Settings, error) {
	s := Settings{
		Bucket:         conn.Option("bucket", conn.Database),
		Prefix:         strings.Trim(conn.Option("prefix", opts.ObjectPrefix), "/"),
		Region:         conn.Option("region", "us-east-1"),
		Endpoint:       conn.Option("endpoint", ""),
		AccessKeyID:    conn.Option("aws_access_key_id", conn.Username),
		SecretKey:      conn.Option("aws_secret_access_key", conn.Password),
		PathStyle:      conn.Option("path_style", "false") == "true",
		UploadPartSize: defaultUploadPartSize,
		MaxConcurrency: defaultMaxConcurrency,
	}
	if s.Bucket == "" {
		return s, errors.New(errors.ErrorTypeConfig, "s3 target requires a bucket")
	}
	if v := conn.Option("upload_part_size", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < manager.MinUploadPartSize {
			return s, errors.Newf(errors.ErrorTypeConfig, "invalid upload_part_size %q", v)
		}
		s.UploadPartSize = n
	}
	return s, nil
}

// NewTarget loads the AWS configuration and builds the uploader
func NewTarget(ctx context.Context, conn *models.Connection, opts registry.Options) (capability.Target, error) {
	settings, err := SettingsFrom(conn, opts)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(settings.Region)}
	if settings.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AccessKeyID, settings.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if settings.Endpoint != "" {
			o.BaseEndpoint = aws.String(settings.Endpoint)
		}
		o.UsePathStyle = settings.PathStyle
	})
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = settings.UploadPartSize
		u.Concurrency = settings.MaxConcurrency
	})

	l := opts.Logger.With(zap.String("component", "s3_target"), zap.String("connection_id", conn.ID))
	l.Info("S3 target initialized", zap.String("bucket", settings.Bucket), zap.String("prefix", settings.Prefix))
	return newTarget(settings, up, client, l), nil
}

func newTarget(s Settings, up uploader, head headAPI, logger *zap.Logger) *Target {
	return &Target{bucket: s.Bucket, prefix: s.Prefix, uploader: up, head: head, logger: logger}
}

func (t *Target) Family() models.Family     { return models.FamilyS3 }
func (t *Target) Shape() models.TargetShape { return models.ShapeObjectStore }
func (t *Target) Prefix() string            { return t.prefix }

// PutObject uploads body under key
func (t *Target) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload s3://"+t.bucket+"/"+key)
	}
	t.logger.Debug("object uploaded", zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}

// ObjectExists reports whether key is present in the bucket
func (t *Target) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := t.head.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrap(err, errors.ErrorTypeConnection, "failed to stat s3://"+t.bucket+"/"+key)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// Close is a no-op; the SDK client holds no connections that need releasing
func (t *Target) Close(context.Context) error { return nil }

func init() {
	_ = registry.RegisterTarget(models.FamilyS3, NewTarget)
}
