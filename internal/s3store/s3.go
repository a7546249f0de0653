// Package s3store implements a store backed by an S3-compatible bucket.
//
// Each key is one object below an optional prefix. The serialized metadata
// travels base64-encoded in the object's user metadata, so a key's data and
// metadata are always written together.
package s3store

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/metadata"
	"github.com/jdmarch/encore/internal/storage"
)

// MetadataHeader is the user-metadata entry holding the encoded metadata.
const MetadataHeader = "encore-metadata"

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-east-1"

// S3API is the subset of the S3 client used by the store (for testing).
// *s3.Client satisfies it.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configure a Store.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // Custom endpoint for S3-compatible servers; path-style addressing is used
	AccessKey string
	SecretKey string

	// Client replaces the SDK client built on Connect.
	Client S3API

	Serializer metadata.Serializer
	Emitter    events.Emitter
	Logger     *logrus.Logger
}

// Store is a storage.Backend over an S3 bucket.
type Store struct {
	opts Options

	mu     sync.RWMutex
	client S3API
}

// New creates an unconnected store.
func New(opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, storage.NewError("InvalidConfig", "S3 bucket must not be empty")
	}
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	if opts.Serializer == nil {
		opts.Serializer = metadata.JSON()
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Store{opts: opts}, nil
}

// Connect builds the S3 client and checks that the bucket is reachable.
// The "access_key" and "secret_key" credentials override the configured
// ones.
func (s *Store) Connect(ctx context.Context, creds storage.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	client := s.opts.Client
	if client == nil {
		accessKey, secretKey := s.opts.AccessKey, s.opts.SecretKey
		if v, ok := creds["access_key"]; ok {
			accessKey = v
		}
		if v, ok := creds["secret_key"]; ok {
			secretKey = v
		}
		client = newClient(s.opts.Endpoint, s.opts.Region, accessKey, secretKey)
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)}); err != nil {
		return storage.Unavailable("connect", fmt.Errorf("bucket %s: %w", s.opts.Bucket, err))
	}

	s.client = client
	s.opts.Logger.WithFields(logrus.Fields{
		"endpoint": s.opts.Endpoint,
		"bucket":   s.opts.Bucket,
		"prefix":   s.opts.Prefix,
	}).Info("S3 store connected")
	return nil
}

// newClient creates an S3 client with static credentials, optionally for a
// custom endpoint.
func newClient(endpoint, region, accessKey, secretKey string) *s3.Client {
	cfg := aws.Config{Region: region}
	if accessKey != "" || secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	} else {
		cfg.Credentials = aws.AnonymousCredentials{}
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Use path-style URLs for compatibility
		}
	})
}

// Disconnect drops the client.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client = nil
		s.opts.Logger.WithField("bucket", s.opts.Bucket).Info("S3 store disconnected")
	}
	return nil
}

func (s *Store) api(op string) (S3API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, storage.Unavailable(op, errors.New("not connected"))
	}
	return s.client, nil
}

// Info describes the bucket.
func (s *Store) Info(ctx context.Context) (metadata.Metadata, error) {
	if _, err := s.api("info"); err != nil {
		return nil, err
	}
	return metadata.Metadata{
		"backend":    "s3",
		"bucket":     s.opts.Bucket,
		"prefix":     s.opts.Prefix,
		"region":     s.opts.Region,
		"endpoint":   s.opts.Endpoint,
		"serializer": s.opts.Serializer.Name(),
	}, nil
}

// Get streams the object body of key along with its metadata.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, metadata.Metadata, error) {
	client, err := s.api("get")
	if err != nil {
		return nil, nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, nil, s.mapError("get", key, err)
	}
	md, err := s.decode(key, out.Metadata)
	if err != nil {
		out.Body.Close()
		return nil, nil, err
	}
	return out.Body, md, nil
}

// GetData streams the object body of key.
func (s *Store) GetData(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := s.api("get data")
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, s.mapError("get data", key, err)
	}
	return out.Body, nil
}

// GetMetadata returns the metadata of key restricted to selectFields.
func (s *Store) GetMetadata(ctx context.Context, key string, selectFields []string) (metadata.Metadata, error) {
	client, err := s.api("get metadata")
	if err != nil {
		return nil, err
	}
	header, err := s.head(ctx, client, key)
	if err != nil {
		return nil, err
	}
	md, err := s.decode(key, header)
	if err != nil {
		return nil, err
	}
	return md.Select(selectFields), nil
}

// Set uploads data and metadata of key as one object.
func (s *Store) Set(ctx context.Context, key string, value storage.Value, bufferSize int) error {
	client, err := s.api("set")
	if err != nil {
		return err
	}
	md, err := storage.NormalizeMetadata(key, value.Metadata)
	if err != nil {
		return err
	}
	header, err := s.encode(md)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	existed, err := s.exists(ctx, client, key)
	if err != nil {
		return err
	}
	data, err := s.readData(key, value.Data, bufferSize)
	if err != nil {
		return err
	}
	if err := s.put(ctx, client, key, data, header); err != nil {
		return err
	}
	return s.emit(storage.ModifiedEvent(existed, key, md.Clone()))
}

// SetData replaces the body of key, keeping its metadata. A new key is
// stored with empty metadata.
func (s *Store) SetData(ctx context.Context, key string, r io.Reader, bufferSize int) error {
	client, err := s.api("set data")
	if err != nil {
		return err
	}
	header, err := s.head(ctx, client, key)
	existed := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	md := metadata.Metadata{}
	if existed {
		if decoded, err := s.decode(key, header); err == nil {
			md = decoded
		}
	} else if header, err = s.encode(md); err != nil {
		return fmt.Errorf("set data %q: %w", key, err)
	}

	data, err := s.readData(key, r, bufferSize)
	if err != nil {
		return err
	}
	if err := s.put(ctx, client, key, data, header); err != nil {
		return err
	}
	return s.emit(storage.ModifiedEvent(existed, key, md))
}

// SetMetadata replaces the metadata of key. Existing objects are copied
// onto themselves with the new metadata; a new key is stored with an empty
// body.
func (s *Store) SetMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	client, err := s.api("set metadata")
	if err != nil {
		return err
	}
	md, err = storage.NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	header, err := s.encode(md)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	existed, err := s.exists(ctx, client, key)
	if err != nil {
		return err
	}

	if existed {
		err = s.replaceMetadata(ctx, client, key, header)
	} else {
		err = s.put(ctx, client, key, []byte{}, header)
	}
	if err != nil {
		return err
	}
	return s.emit(storage.ModifiedEvent(existed, key, md.Clone()))
}

// UpdateMetadata merges md into the stored metadata of key.
func (s *Store) UpdateMetadata(ctx context.Context, key string, md metadata.Metadata) error {
	client, err := s.api("update metadata")
	if err != nil {
		return err
	}
	md, err = storage.NormalizeMetadata(key, md)
	if err != nil {
		return err
	}
	header, err := s.head(ctx, client, key)
	if err != nil {
		return err
	}
	current, err := s.decode(key, header)
	if err != nil {
		return err
	}
	current = current.Merge(md)

	header, err = s.encode(current)
	if err != nil {
		return fmt.Errorf("update metadata %q: %w", key, err)
	}
	if err := s.replaceMetadata(ctx, client, key, header); err != nil {
		return err
	}
	return s.emit(storage.ModifiedEvent(true, key, current))
}

// Delete removes the object of key.
func (s *Store) Delete(ctx context.Context, key string) error {
	client, err := s.api("delete")
	if err != nil {
		return err
	}
	header, err := s.head(ctx, client, key)
	if err != nil {
		return err
	}
	md, _ := s.decode(key, header)

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return s.mapError("delete", key, err)
	}

	s.opts.Logger.WithFields(logrus.Fields{"bucket": s.opts.Bucket, "key": key}).Debug("Deleted object")
	return s.emit(storage.DeletedEvent(key, md))
}

// Exists reports whether key has an object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	client, err := s.api("exists")
	if err != nil {
		return false, err
	}
	return s.exists(ctx, client, key)
}

// Transaction returns a no-op scope. Each object write is atomic on its
// own.
func (s *Store) Transaction(ctx context.Context, notes string) (storage.Transaction, error) {
	if _, err := s.api("transaction"); err != nil {
		return nil, err
	}
	return storage.NoopTransaction{}, nil
}

// Query lists the objects below the prefix and yields those whose metadata
// equals every predicate. Each listed object costs one HEAD request.
func (s *Store) Query(ctx context.Context, selectFields []string, predicates metadata.Metadata) iter.Seq2[storage.Row, error] {
	return func(yield func(storage.Row, error) bool) {
		client, err := s.api("query")
		if err != nil {
			yield(storage.Row{}, err)
			return
		}
		for key, err := range s.list(ctx, client) {
			if err != nil {
				yield(storage.Row{}, err)
				return
			}
			header, err := s.head(ctx, client, key)
			if errors.Is(err, storage.ErrNotFound) {
				// Deleted since it was listed.
				continue
			}
			if err != nil {
				yield(storage.Row{Key: key}, err)
				return
			}
			md, err := s.decode(key, header)
			if err != nil {
				yield(storage.Row{Key: key}, err)
				return
			}
			if !md.Match(predicates) {
				continue
			}
			if !yield(storage.Row{Key: key, Metadata: md.Select(selectFields)}, nil) {
				return
			}
		}
	}
}

// QueryKeys yields matching keys. Without predicates only the listing is
// read.
func (s *Store) QueryKeys(ctx context.Context, predicates metadata.Metadata) iter.Seq2[string, error] {
	if len(predicates) > 0 {
		return func(yield func(string, error) bool) {
			for row, err := range s.Query(ctx, []string{}, predicates) {
				if !yield(row.Key, err) || err != nil {
					return
				}
			}
		}
	}
	return func(yield func(string, error) bool) {
		client, err := s.api("query keys")
		if err != nil {
			yield("", err)
			return
		}
		for key, err := range s.list(ctx, client) {
			if !yield(key, err) || err != nil {
				return
			}
		}
	}
}

// list pages through the bucket listing below the prefix.
func (s *Store) list(ctx context.Context, client S3API) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		input := &s3.ListObjectsV2Input{Bucket: aws.String(s.opts.Bucket)}
		if s.opts.Prefix != "" {
			input.Prefix = aws.String(s.opts.Prefix)
		}
		paginator := s3.NewListObjectsV2Paginator(client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("failed to list objects: %w", err))
				return
			}
			for _, obj := range page.Contents {
				key := strings.TrimPrefix(aws.ToString(obj.Key), s.opts.Prefix)
				if !yield(key, nil) {
					return
				}
			}
		}
	}
}

// Helper methods

func (s *Store) objectKey(key string) string {
	return s.opts.Prefix + key
}

func (s *Store) emit(e events.Event) error {
	e.Source = s
	return s.opts.Emitter.Emit(e)
}

func (s *Store) put(ctx context.Context, client S3API, key string, data []byte, header map[string]string) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      header,
	})
	if err != nil {
		return s.mapError("put", key, err)
	}
	s.opts.Logger.WithFields(logrus.Fields{
		"bucket": s.opts.Bucket,
		"key":    key,
		"size":   len(data),
	}).Debug("Uploaded object")
	return nil
}

// replaceMetadata copies the object of key onto itself with new metadata.
func (s *Store) replaceMetadata(ctx context.Context, client S3API, key string, header map[string]string) error {
	objectKey := s.objectKey(key)
	_, err := client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.opts.Bucket),
		Key:               aws.String(objectKey),
		CopySource:        aws.String(s.opts.Bucket + "/" + url.PathEscape(objectKey)),
		Metadata:          header,
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return s.mapError("copy", key, err)
	}
	return nil
}

func (s *Store) head(ctx context.Context, client S3API, key string) (map[string]string, error) {
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, s.mapError("head", key, err)
	}
	return out.Metadata, nil
}

func (s *Store) exists(ctx context.Context, client S3API, key string) (bool, error) {
	_, err := s.head(ctx, client, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) encode(md metadata.Metadata) (map[string]string, error) {
	raw, err := s.opts.Serializer.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return map[string]string{MetadataHeader: base64.StdEncoding.EncodeToString(raw)}, nil
}

// decode reads the metadata header. Objects written by other tools carry
// no header and have empty metadata.
func (s *Store) decode(key string, header map[string]string) (metadata.Metadata, error) {
	encoded, ok := lookupHeader(header)
	if !ok {
		return metadata.Metadata{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, storage.Corrupted(key, err)
	}
	md, err := s.opts.Serializer.Unmarshal(raw)
	if err != nil {
		return nil, storage.Corrupted(key, err)
	}
	return md, nil
}

// lookupHeader finds the metadata header regardless of the case the server
// returns it in.
func lookupHeader(header map[string]string) (string, bool) {
	if v, ok := header[MetadataHeader]; ok {
		return v, true
	}
	for k, v := range header {
		if strings.EqualFold(k, MetadataHeader) {
			return v, true
		}
	}
	return "", false
}

// mapError translates missing-object responses into storage.ErrNotFound.
func (s *Store) mapError(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return storage.NotFound(key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return storage.NotFound(key)
		}
	}
	return fmt.Errorf("failed to %s object %q: %w", op, key, err)
}

// readData drains r in bufferSize chunks, reporting store progress.
func (s *Store) readData(key string, r io.Reader, bufferSize int) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	data, err := storage.ReadAll(r, storage.TransferOptions{
		Key:        key,
		BufferSize: bufferSize,
		Emitter:    s.opts.Emitter,
		Source:     s,
	})
	if err != nil {
		return nil, fmt.Errorf("read data for %q: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

var (
	_ storage.Backend    = (*Store)(nil)
	_ storage.KeyQuerier = (*Store)(nil)
	_ S3API              = (*s3.Client)(nil)
)
