package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/kinesis-scaling-controller/ksc/internal/logging"
)

// S3API is the subset of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// httpFetchTimeout bounds both connecting to and reading from an HTTP
// policy source.
const httpFetchTimeout = time.Second

// PolicyLoader resolves a policy document handle. Supported forms, in
// resolution order: s3://bucket/key, http(s)://, and a filesystem path
// (relative paths resolve against the working directory).
type PolicyLoader struct {
	s3   S3API
	http *http.Client
	log  logging.Logger
}

// NewPolicyLoader creates a loader. The S3 client may be nil when no
// s3:// handles are expected.
func NewPolicyLoader(s3Client S3API, log logging.Logger) *PolicyLoader {
	return &PolicyLoader{
		s3:   s3Client,
		http: &http.Client{Timeout: httpFetchTimeout},
		log:  log,
	}
}

// Load fetches, decodes and validates the policy document at the given
// handle.
func (l *PolicyLoader) Load(ctx context.Context, rawURL string) ([]StreamPolicy, error) {
	data, err := l.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	policies, err := ParsePolicies(data)
	if err != nil {
		return nil, err
	}

	l.log.Info(ctx, "loaded autoscaling configuration",
		zap.String("source", rawURL), zap.Int("streams", len(policies)))
	return policies, nil
}

func (l *PolicyLoader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing configuration url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "s3":
		return l.fetchS3(ctx, u)
	case "http", "https":
		return l.fetchHTTP(ctx, rawURL)
	default:
		return l.fetchFile(rawURL)
	}
}

func (l *PolicyLoader) fetchS3(ctx context.Context, u *url.URL) ([]byte, error) {
	if l.s3 == nil {
		return nil, fmt.Errorf("no S3 client available to fetch %s", u)
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching configuration from s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading configuration from s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (l *PolicyLoader) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching configuration from %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching configuration from %s: status %s", rawURL, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading configuration from %s: %w", rawURL, err)
	}
	return data, nil
}

func (l *PolicyLoader) fetchFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %s: %w", path, err)
	}
	return data, nil
}
