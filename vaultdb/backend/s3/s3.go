package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cristalhq/hedgedhttp"
	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/pkg/util/log"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/backend/instrumentation"
)

// Backend stores blobs in one bucket per tenant, named {prefix}{tenantID},
// with flat object names equal to the canonical BlobRef key.
type Backend struct {
	logger gkLog.Logger
	cfg    *Config

	client       *minio.Client
	hedgedClient *minio.Client
}

var _ backend.Store = (*Backend)(nil)

func New(cfg *Config) (*Backend, error) {
	l := log.Logger

	client, err := createClient(cfg, false)
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 client")
	}
	hedgedClient, err := createClient(cfg, true)
	if err != nil {
		return nil, errors.Wrap(err, "creating hedged s3 client")
	}

	return &Backend{
		logger:       l,
		cfg:          cfg,
		client:       client,
		hedgedClient: hedgedClient,
	}, nil
}

func createClient(cfg *Config, hedge bool) (*minio.Client, error) {
	customTransport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		customTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var transport http.RoundTripper = customTransport
	if hedge && cfg.HedgeRequestsAt != 0 {
		var err error
		transport, err = hedgedhttp.NewRoundTripper(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, customTransport)
		if err != nil {
			return nil, err
		}
	}

	opts := &minio.Options{
		Region:    cfg.Region,
		Secure:    !cfg.Insecure,
		Transport: transport,
	}
	if cfg.AccessKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Creds = credentials.NewIAM("")
	}

	return minio.New(cfg.Endpoint, opts)
}

func (b *Backend) bucket(tenantID string) string {
	return b.cfg.BucketPrefix + tenantID
}

// ensureBucket creates the tenant bucket on demand. A creation race that
// reports the bucket as already owned is success.
func (b *Backend) ensureBucket(ctx context.Context, tenantID string) error {
	bucket := b.bucket(tenantID)
	err := b.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: b.cfg.Region})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return errors.Wrapf(err, "creating bucket %s", bucket)
	}
	level.Info(b.logger).Log("msg", "created tenant bucket", "bucket", bucket)
	return nil
}

func (b *Backend) Read(ctx context.Context, tenantID string, ref blobref.BlobRef) (_ []byte, err error) {
	defer func(start time.Time) { instrumentation.Observe("read", start, err) }(time.Now())

	if tenantID == "" {
		return nil, backend.ErrEmptyTenantID
	}
	obj, err := b.hedgedClient.GetObject(ctx, b.bucket(tenantID), ref.Key(), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "fetching object %s", ref.Key())
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, backend.ErrBlobNotFound
		}
		return nil, errors.Wrapf(err, "reading object %s", ref.Key())
	}
	return data, nil
}

func (b *Backend) Create(ctx context.Context, tenantID string, ref blobref.BlobRef, data []byte, mimeHint string) (err error) {
	defer func(start time.Time) { instrumentation.Observe("create", start, err) }(time.Now())

	if tenantID == "" {
		return backend.ErrEmptyTenantID
	}
	if err := b.ensureBucket(ctx, tenantID); err != nil {
		return err
	}

	if b.cfg.WriteOnceCheck {
		exists, err := b.Exists(ctx, tenantID, ref)
		if err != nil {
			return err
		}
		if exists {
			return backend.ErrBlobAlreadyExists
		}
	}

	info, err := b.client.PutObject(
		ctx,
		b.bucket(tenantID),
		ref.Key(),
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: mimeHint},
	)
	if err != nil {
		return errors.Wrapf(err, "writing object %s", ref.Key())
	}
	level.Debug(b.logger).Log("msg", "object uploaded to s3", "objectName", ref.Key(), "size", info.Size)
	return nil
}

func (b *Backend) Exists(ctx context.Context, tenantID string, ref blobref.BlobRef) (_ bool, err error) {
	defer func(start time.Time) { instrumentation.Observe("exists", start, err) }(time.Now())

	if tenantID == "" {
		return false, backend.ErrEmptyTenantID
	}
	_, statErr := b.client.StatObject(ctx, b.bucket(tenantID), ref.Key(), minio.StatObjectOptions{})
	if statErr != nil {
		if isNotFound(statErr) {
			return false, nil
		}
		return false, errors.Wrapf(statErr, "statting object %s", ref.Key())
	}
	return true, nil
}

func (b *Backend) Delete(ctx context.Context, tenantID string, ref blobref.BlobRef) (err error) {
	defer func(start time.Time) { instrumentation.Observe("delete", start, err) }(time.Now())

	if tenantID == "" {
		return backend.ErrEmptyTenantID
	}
	exists, err := b.Exists(ctx, tenantID, ref)
	if err != nil {
		return err
	}
	if !exists {
		return backend.ErrBlobNotFound
	}
	err = b.client.RemoveObject(ctx, b.bucket(tenantID), ref.Key(), minio.RemoveObjectOptions{})
	return errors.Wrapf(err, "deleting object %s", ref.Key())
}

func (b *Backend) DeleteTenant(ctx context.Context, tenantID string) (err error) {
	defer func(start time.Time) { instrumentation.Observe("delete_tenant", start, err) }(time.Now())

	if tenantID == "" {
		return backend.ErrEmptyTenantID
	}
	bucket := b.bucket(tenantID)

	for obj := range b.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			if isNotFound(obj.Err) {
				return nil
			}
			return errors.Wrapf(obj.Err, "listing bucket %s", bucket)
		}
		if err := b.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return errors.Wrapf(err, "deleting object %s", obj.Key)
		}
	}

	err = b.client.RemoveBucket(ctx, bucket)
	if err != nil && isNotFound(err) {
		return nil
	}
	return errors.Wrapf(err, "removing bucket %s", bucket)
}

func (b *Backend) Tenants(ctx context.Context) (_ []string, err error) {
	defer func(start time.Time) { instrumentation.Observe("tenants", start, err) }(time.Now())

	buckets, err := b.client.ListBuckets(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing buckets")
	}
	var tenants []string
	for _, bkt := range buckets {
		if strings.HasPrefix(bkt.Name, b.cfg.BucketPrefix) {
			tenants = append(tenants, strings.TrimPrefix(bkt.Name, b.cfg.BucketPrefix))
		}
	}
	return tenants, nil
}

func (b *Backend) Containers(ctx context.Context, tenantID string) (_ []blobref.BlobRef, err error) {
	defer func(start time.Time) { instrumentation.Observe("containers", start, err) }(time.Now())

	return b.listKeys(ctx, tenantID, true)
}

func (b *Backend) Refs(ctx context.Context, tenantID string) (_ []blobref.BlobRef, err error) {
	defer func(start time.Time) { instrumentation.Observe("refs", start, err) }(time.Now())

	return b.listKeys(ctx, tenantID, false)
}

func (b *Backend) listKeys(ctx context.Context, tenantID string, containersOnly bool) ([]blobref.BlobRef, error) {
	if tenantID == "" {
		return nil, backend.ErrEmptyTenantID
	}
	var refs []blobref.BlobRef
	for obj := range b.client.ListObjects(ctx, b.bucket(tenantID), minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			if isNotFound(obj.Err) {
				return nil, nil
			}
			return nil, errors.Wrapf(obj.Err, "listing tenant %s", tenantID)
		}
		if containersOnly && !blobref.IsContainerKey(obj.Key) {
			continue
		}
		ref, err := blobref.Parse(obj.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "unparseable key %s", obj.Key)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (b *Backend) Shutdown() {}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket" || code == "NotFound"
}
