package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// s3API is the subset of *s3.Client the mirror needs, so tests can fake it
// the way the pack's model adapters fake their runtime clients.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Mirror implements CloudMirror against an S3 bucket, keyed by
// sessionID + ".tar.gz" under an optional prefix.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Mirror parses an s3://bucket/prefix URL and builds a mirror using
// the default AWS credential chain. Any other scheme, gs:// included, is
// rejected with an error.
func NewS3Mirror(ctx context.Context, rawURL string) (*S3Mirror, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse mirror url: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("snapshot: unsupported mirror scheme %q", u.Scheme)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}

	return &S3Mirror{
		client: s3.NewFromConfig(cfg),
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (m *S3Mirror) key(sessionID string) string {
	name := sessionID + ".tar.gz"
	if m.prefix == "" {
		return name
	}
	return m.prefix + "/" + name
}

// Upload puts the local tar.gz at the session's key.
func (m *S3Mirror) Upload(sessionID, tarGzPath string) error {
	f, err := os.Open(tarGzPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = m.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(sessionID)),
		Body:   f,
	})
	return err
}

// Download fetches the session's tar.gz to destTarGzPath, returning false
// (no error) if the object does not exist.
func (m *S3Mirror) Download(sessionID, destTarGzPath string) (bool, error) {
	out, err := m.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(sessionID)),
	})
	if err != nil {
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
			return false, nil
		}
		return false, err
	}
	defer out.Body.Close()

	f, err := os.Create(destTarGzPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the session's tar.gz object, if present.
func (m *S3Mirror) Delete(sessionID string) error {
	_, err := m.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(sessionID)),
	})
	return err
}

// ParseMirrorURL validates a configured snapshot mirror URL up front.
// gs:// (Google Cloud Storage) is recognized but explicitly unsupported:
// no GCS SDK appears anywhere in the dependency set this module draws
// from, so wiring it would mean hand-rolling a client against the GCS
// JSON API, which this layer will not do.
func ParseMirrorURL(rawURL string) (scheme string, err error) {
	if rawURL == "" {
		return "", nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "s3":
		return "s3", nil
	case "gs":
		return "", fmt.Errorf("snapshot: gs:// mirror scheme is not supported")
	default:
		return "", fmt.Errorf("snapshot: unsupported mirror scheme %q", u.Scheme)
	}
}
