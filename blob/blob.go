// Package blob implements the Blob Gateway: deterministic key construction
// plus download/upload/exists/presign operations against whatever object
// store backs the deployment, via a driver-agnostic session over OS URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	xerrors "github.com/highlight-pipeline/orchestrator/errors"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/metrics"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/livepeer/go-tools/drivers"
)

// PresignDuration bounds the lifetime of an issued upload grant or a signed
// download URL.
const PresignDuration = 1 * time.Hour

type Purpose string

const (
	PurposeOriginal  Purpose = "original"
	PurposeClip      Purpose = "clip"
	PurposeThumbnail Purpose = "thumbnail"
	PurposeSubtitle  Purpose = "subtitle"
)

// ObjectKey deterministically constructs the blob store key for a given
// artifact. It is a pure function: the same inputs always produce the
// same key.
func ObjectKey(jobID string, purpose Purpose, id, ext string) string {
	switch purpose {
	case PurposeOriginal:
		return fmt.Sprintf("uploads/%s/%s_original.%s", jobID, id, ext)
	case PurposeClip:
		return fmt.Sprintf("clips/%s/%s.mp4", jobID, id)
	case PurposeThumbnail:
		return fmt.Sprintf("thumbnails/%s/%s.jpg", jobID, id)
	case PurposeSubtitle:
		return fmt.Sprintf("subtitles/%s/%s.vtt", jobID, id)
	default:
		return fmt.Sprintf("misc/%s/%s.%s", jobID, id, ext)
	}
}

// UploadGrant is returned by IssueUploadGrant: a client uploads the object
// directly to URL, attaching Fields as form fields (S3 presigned POST) or
// as the PUT body alone when Fields is empty.
type UploadGrant struct {
	URL       string
	Fields    map[string]string
	ExpiresAt time.Time
}

// Gateway wraps a single base object-store URL (bucket/prefix) the same way
// clients.GetOSURL/UploadToOSURLFields wrap an arbitrary one, scoping every
// operation to a content-addressed key underneath it.
type Gateway struct {
	baseURL string
	driver  drivers.OSDriver
	s3      *s3.S3 // non-nil only when the backing driver is S3-compatible
	bucket  string
}

func NewGateway(baseURL string) (*Gateway, error) {
	driver, err := drivers.ParseOSURL(baseURL, true)
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("failed to parse blob store URL %q: %w", log.RedactURL(baseURL), err))
	}

	g := &Gateway{baseURL: baseURL, driver: driver}

	sess := driver.NewSession("")
	if info := sess.GetInfo(); info != nil && info.S3Info != nil {
		awsSess, sessErr := session.NewSession(&aws.Config{
			Endpoint: aws.String(info.S3Info.Host),
		})
		if sessErr == nil {
			g.s3 = s3.New(awsSess)
			g.bucket = info.S3Info.Bucket
		}
	}
	return g, nil
}

func (g *Gateway) objectURL(key string) (string, error) {
	return url.JoinPath(g.baseURL, key)
}

// Download fetches the object at key. Callers must Close the returned
// reader. Mirrors clients.GetOSURL: the full object URL is re-parsed per
// call rather than reused from the base driver, since ReadData operates on
// whatever path ParseOSURL resolved to.
func (g *Gateway) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	osURL, err := g.objectURL(key)
	if err != nil {
		return nil, xerrors.Unretriable(err)
	}
	driver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("failed to parse blob URL %q: %w", log.RedactURL(osURL), err))
	}

	start := time.Now()
	sess := driver.NewSession("")
	info := sess.GetInfo()
	var host, bucket string
	if info != nil && info.S3Info != nil {
		host, bucket = info.S3Info.Host, info.S3Info.Bucket
	}

	fileInfoReader, err := sess.ReadData(ctx, "")
	if err != nil {
		metrics.Metrics.BlobClient.FailureCount.WithLabelValues(host, "download", bucket).Inc()
		if errors.Is(err, drivers.ErrNotExist) {
			return nil, xerrors.NewObjectNotFoundError(fmt.Sprintf("no object at %q", key), err)
		}
		return nil, xerrors.TransientBackend(fmt.Errorf("failed to download %q: %w", log.RedactURL(osURL), err))
	}
	metrics.Metrics.BlobClient.RequestDuration.WithLabelValues(host, "download", bucket).Observe(time.Since(start).Seconds())
	return fileInfoReader.Body, nil
}

// Upload writes data to key with the given content type.
func (g *Gateway) Upload(ctx context.Context, key, contentType string, data io.Reader) error {
	osURL, err := g.objectURL(key)
	if err != nil {
		return xerrors.Unretriable(err)
	}

	start := time.Now()
	sess := g.driver.NewSession("")
	info := sess.GetInfo()
	var host, bucket string
	if info != nil && info.S3Info != nil {
		host, bucket = info.S3Info.Host, info.S3Info.Bucket
	}

	_, err = sess.SaveData(ctx, key, data, &drivers.FileProperties{
		ContentType: contentType,
	}, 0)
	if err != nil {
		metrics.Metrics.BlobClient.FailureCount.WithLabelValues(host, "upload", bucket).Inc()
		return xerrors.TransientBackend(fmt.Errorf("failed to upload %q: %w", log.RedactURL(osURL), err))
	}
	metrics.Metrics.BlobClient.RequestDuration.WithLabelValues(host, "upload", bucket).Observe(time.Since(start).Seconds())
	return nil
}

// Exists reports whether an object is present at key.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	osURL, err := g.objectURL(key)
	if err != nil {
		return false, xerrors.Unretriable(err)
	}
	driver, err := drivers.ParseOSURL(osURL, true)
	if err != nil {
		return false, xerrors.Unretriable(err)
	}
	sess := driver.NewSession("")
	_, err = sess.ReadData(ctx, "")
	if err == nil {
		return true, nil
	}
	if errors.Is(err, drivers.ErrNotExist) {
		return false, nil
	}
	return false, xerrors.TransientBackend(err)
}

// IssueUploadGrant returns a client-usable upload URL for key, presigned
// for PresignDuration. When the backing driver is S3, this is a real
// presigned PUT request generated with aws-sdk-go; otherwise it falls back
// to the driver's own Presign, matching object_store_client.go's SignURL.
func (g *Gateway) IssueUploadGrant(key, contentType string) (UploadGrant, error) {
	expiresAt := time.Now().Add(PresignDuration)

	if g.s3 != nil {
		req, _ := g.s3.PutObjectRequest(&s3.PutObjectInput{
			Bucket:      aws.String(g.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		})
		signedURL, err := req.Presign(PresignDuration)
		if err != nil {
			return UploadGrant{}, xerrors.TransientBackend(fmt.Errorf("failed to presign upload for %q: %w", key, err))
		}
		return UploadGrant{URL: signedURL, ExpiresAt: expiresAt}, nil
	}

	sess := g.driver.NewSession("")
	signedURL, err := sess.Presign(key, PresignDuration)
	if err != nil {
		return UploadGrant{}, xerrors.TransientBackend(fmt.Errorf("failed to presign upload for %q: %w", key, err))
	}
	return UploadGrant{URL: signedURL, ExpiresAt: expiresAt}, nil
}

// SignedDownloadURL returns a time-limited public URL for key, used by the
// Results handler when serving finished clips/thumbnails/subtitles without
// proxying bytes through the orchestrator.
func (g *Gateway) SignedDownloadURL(key string) (string, error) {
	sess := g.driver.NewSession("")
	signedURL, err := sess.Presign(key, PresignDuration)
	if err != nil {
		return "", xerrors.TransientBackend(fmt.Errorf("failed to presign download for %q: %w", key, err))
	}
	return signedURL, nil
}
