package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// DefaultSignedURLTTL is the expiry of signed URLs when none is configured.
const DefaultSignedURLTTL = time.Hour

// S3Config configures an S3Backend.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	URLTTL    time.Duration
	// HTTPClient overrides the SDK transport, mainly for tests.
	HTTPClient *http.Client
}

// S3ConfigFromURL parses s3://bucket/prefix?region=&endpoint=&access_key=&secret_key=&path_style=.
func S3ConfigFromURL(u *url.URL) (S3Config, error) {
	q := u.Query()
	cfg := S3Config{
		Bucket:    u.Host,
		Prefix:    strings.Trim(u.Path, "/"),
		Region:    q.Get("region"),
		Endpoint:  q.Get("endpoint"),
		AccessKey: q.Get("access_key"),
		SecretKey: q.Get("secret_key"),
	}
	if v := q.Get("path_style"); v != "" {
		ps, err := strconv.ParseBool(v)
		if err != nil {
			return S3Config{}, xerrors.Wrap(xerrors.KindConfig, "storage.S3ConfigFromURL", "path_style", err)
		}
		cfg.PathStyle = ps
	}
	if cfg.Bucket == "" {
		return S3Config{}, xerrors.E(xerrors.KindConfig, "storage.S3ConfigFromURL", "bucket")
	}
	return cfg, nil
}

// S3Backend stores files in an S3 compatible bucket and hands out presigned
// URLs for direct client transfers.
type S3Backend struct {
	cfg      S3Config
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
}

// NewS3Backend builds a client from cfg.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, xerrors.E(xerrors.KindConfig, "storage.NewS3Backend", "bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = DefaultSignedURLTTL
	}
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.HTTPClient != nil {
		loaders = append(loaders, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "storage.NewS3Backend", cfg.Bucket, err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Backend{
		cfg:      cfg,
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Backend) key(uuid, pathHint string) (string, error) {
	p, err := Locate(uuid, pathHint)
	if err != nil {
		return "", err
	}
	if s.cfg.Prefix == "" {
		return p, nil
	}
	return path.Join(s.cfg.Prefix, p), nil
}

func (s *S3Backend) Open(ctx context.Context, uuid, pathHint string, mode Mode) (File, error) {
	key, err := s.key(uuid, pathHint)
	if err != nil {
		return nil, err
	}
	if mode == ModeWrite {
		return s.create(ctx, key), nil
	}
	body, err := s.OpenRange(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	return readOnly{body}, nil
}

// OpenRange reads an object starting at offset.
func (s *S3Backend) OpenRange(ctx context.Context, key string, offset int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, s3Error("storage.Open", key, err)
	}
	return out.Body, nil
}

// create streams writes through the multipart uploader; Close waits for the
// upload to finish.
func (s *S3Backend) create(ctx context.Context, key string) File {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		pr.CloseWithError(err)
		done <- err
	}()
	return writeOnly{&s3Writer{pw: pw, done: done, key: key}}
}

var errAborted = errors.New("upload aborted")

type s3Writer struct {
	pw     *io.PipeWriter
	done   chan error
	key    string
	closed bool
	werr   error
	err    error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.werr != nil {
		return 0, w.werr
	}
	n, err := w.pw.Write(p)
	if err != nil {
		w.werr = xerrors.Wrap(xerrors.KindIO, "storage.Write", w.key, err)
		return n, w.werr
	}
	return n, nil
}

// Abort fails the upload body so the uploader gives up without creating the
// object.
func (w *s3Writer) Abort(cause error) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if cause == nil {
		cause = errAborted
	}
	w.pw.CloseWithError(cause)
	<-w.done
	return nil
}

func (w *s3Writer) Close() error {
	if w.closed {
		return w.err
	}
	if w.werr != nil {
		w.Abort(w.werr)
		w.err = w.werr
		return w.err
	}
	w.closed = true
	w.pw.Close()
	if err := <-w.done; err != nil {
		w.err = s3Error("storage.Close", w.key, err)
	}
	return w.err
}

func (s *S3Backend) Remove(ctx context.Context, uuid, pathHint string) error {
	key, err := s.key(uuid, pathHint)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		return s3Error("storage.Remove", key, err)
	}
	return nil
}

func (s *S3Backend) IsSignedURL() bool { return true }

func (s *S3Backend) SignedURL(ctx context.Context, uuid, pathHint string, opts URLOptions) (string, error) {
	key, err := s.key(uuid, pathHint)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindNotFound, "storage.SignedURL", uuid, err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.URLTTL
	}
	expires := s3.WithPresignExpires(ttl)
	switch opts.Purpose {
	case PurposeUpload:
		req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		}, expires)
		if err != nil {
			return "", s3Error("storage.SignedURL", key, err)
		}
		return req.URL, nil
	case PurposeDownload, "":
		in := &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)}
		if cd := ContentDisposition(opts); cd != "" {
			in.ResponseContentDisposition = aws.String(cd)
		}
		if opts.ResponseType != "" {
			in.ResponseContentType = aws.String(opts.ResponseType)
		}
		req, err := s.presign.PresignGetObject(ctx, in, expires)
		if err != nil {
			return "", s3Error("storage.SignedURL", key, err)
		}
		return req.URL, nil
	}
	return "", xerrors.E(xerrors.KindInvalid, "storage.SignedURL", string(opts.Purpose))
}

func (s *S3Backend) FileHash(ctx context.Context, uuid, pathHint string) (string, error) {
	f, err := s.Open(ctx, uuid, pathHint, ModeRead)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(ctx, f, DefaultAlgorithm)
}

func (s *S3Backend) FileInfo(ctx context.Context, uuid, pathHint string) (*FileInfo, error) {
	key, err := s.key(uuid, pathHint)
	if err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		err = s3Error("storage.FileInfo", key, err)
		if xerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	info := &FileInfo{Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.Modified = *out.LastModified
	}
	return info, nil
}

func s3Error(op, key string, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return xerrors.Wrap(xerrors.KindNotFound, op, key, err)
		case http.StatusForbidden:
			return xerrors.Wrap(xerrors.KindForbidden, op, key, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return xerrors.Wrap(xerrors.KindIO, op, key, err)
}

var _ Backend = (*S3Backend)(nil)
