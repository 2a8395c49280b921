// Package photostore wraps the object-storage dependency: fetching source
// photos and uploading the annotated visualization and compressed result
// bundle. Every call goes through the circuit breaker, so a struggling
// storage backend fails sessions fast instead of stalling worker pools.
package photostore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"

	_ "image/jpeg"
	_ "image/png"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/breaker"
)

// Object keys written under a session's prefix.
const (
	annotatedSuffix = "annotated.jpg"
	bundleSuffix    = "result.json.zst"
)

// s3API is the S3 client subset the store uses. *s3.Client satisfies it.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store reads and writes session artifacts in a single bucket.
type Store struct {
	client  s3API
	bucket  string
	breaker *breaker.Breaker
}

// New creates a Store guarding the given bucket with a fresh breaker.
func New(client *s3.Client, bucket string, cfg breaker.Config) *Store {
	return newStore(client, bucket, cfg)
}

func newStore(client s3API, bucket string, cfg breaker.Config) *Store {
	return &Store{
		client:  client,
		bucket:  bucket,
		breaker: breaker.New("object-storage", cfg),
	}
}

// Breaker exposes the store's circuit breaker state for health reporting.
func (s *Store) Breaker() *breaker.Breaker {
	return s.breaker
}

// FetchPhoto downloads a photo object into memory. Source photos are a few
// megabytes, well within worker memory, and the decoder needs random access.
func (s *Store) FetchPhoto(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &s.bucket,
			Key:    &key,
		})
		if err != nil {
			return fmt.Errorf("S3 GetObject %s: %w", key, err)
		}
		defer result.Body.Close()
		data, err = io.ReadAll(result.Body)
		if err != nil {
			return fmt.Errorf("read object %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("Photo fetched")
	return data, nil
}

// FetchImage downloads and decodes a photo in one step.
func (s *Store) FetchImage(ctx context.Context, key string) (image.Image, error) {
	data, err := s.FetchPhoto(ctx, key)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode photo %s: %w", key, err)
	}
	log.Debug().Str("key", key).Str("format", format).Msg("Photo decoded")
	return img, nil
}

// UploadAnnotated stores the rendered visualization JPEG under the session's
// prefix and returns its key.
func (s *Store) UploadAnnotated(ctx context.Context, sessionID string, jpegData []byte) (string, error) {
	key := sessionKey(sessionID, annotatedSuffix)
	if err := s.put(ctx, key, jpegData, "image/jpeg"); err != nil {
		return "", err
	}
	return key, nil
}

// UploadResultBundle marshals the final result to JSON, compresses it with
// zstd, and stores it under the session's prefix.
func (s *Store) UploadResultBundle(ctx context.Context, sessionID string, result interface{}) (string, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result bundle: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return "", fmt.Errorf("compress result bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flush result bundle: %w", err)
	}

	key := sessionKey(sessionID, bundleSuffix)
	if err := s.put(ctx, key, buf.Bytes(), "application/zstd"); err != nil {
		return "", err
	}
	log.Info().
		Str("key", key).
		Int("rawBytes", len(raw)).
		Int("compressedBytes", buf.Len()).
		Msg("Result bundle uploaded")
	return key, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucket,
			Key:         &key,
			Body:        bytes.NewReader(data),
			ContentType: &contentType,
		})
		if err != nil {
			return fmt.Errorf("S3 PutObject %s: %w", key, err)
		}
		return nil
	})
}

func sessionKey(sessionID, suffix string) string {
	return fmt.Sprintf("sessions/%s/%s", sessionID, suffix)
}
