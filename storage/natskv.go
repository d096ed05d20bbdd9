package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each key prefix.
const (
	BucketLinks = "SEMGATE_LINKS"
	BucketQueue = "SEMGATE_QUEUE"
)

// Key prefixes routed to dedicated buckets.
const (
	prefixLinks = "links"
	prefixQueue = "queue"
)

// NATSStore is a Store backed by NATS JetStream KV. The first path segment
// of a key selects the bucket; the remainder is base64url-encoded because
// NATS KV restricts the key character set.
type NATSStore struct {
	links jetstream.KeyValue
	queue jetstream.KeyValue
}

// NewNATSStore creates a NATSStore, creating the KV buckets if needed.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	links, err := getOrCreateBucket(ctx, js, BucketLinks)
	if err != nil {
		return nil, fmt.Errorf("create links bucket: %w", err)
	}

	queue, err := getOrCreateBucket(ctx, js, BucketQueue)
	if err != nil {
		return nil, fmt.Errorf("create queue bucket: %w", err)
	}

	return &NATSStore{links: links, queue: queue}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semgate %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// bucketFor resolves the bucket and encoded NATS key for a logical key.
func (s *NATSStore) bucketFor(key string) (jetstream.KeyValue, string, error) {
	segment, rest, ok := strings.Cut(key, "/")
	if !ok || rest == "" {
		return nil, "", fmt.Errorf("malformed storage key %q", key)
	}
	switch segment {
	case prefixLinks:
		return s.links, encodeKey(rest), nil
	case prefixQueue:
		return s.queue, encodeKey(rest), nil
	default:
		return nil, "", fmt.Errorf("unknown storage key prefix %q", segment)
	}
}

func encodeKey(rest string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rest))
}

func decodeKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode storage key %q: %w", encoded, err)
	}
	return string(raw), nil
}

// Get returns the value for key, or ErrNotFound.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	bucket, encoded, err := s.bucketFor(key)
	if err != nil {
		return nil, err
	}

	entry, err := bucket.Get(ctx, encoded)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Set writes the value for key.
func (s *NATSStore) Set(ctx context.Context, key string, value []byte) error {
	bucket, encoded, err := s.bucketFor(key)
	if err != nil {
		return err
	}

	if _, err := bucket.Put(ctx, encoded, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Keys lists all logical keys starting with prefix.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	segment := strings.TrimSuffix(prefix, "/")
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}

	var bucket jetstream.KeyValue
	switch segment {
	case prefixLinks:
		bucket = s.links
	case prefixQueue:
		bucket = s.queue
	default:
		return nil, fmt.Errorf("unknown storage key prefix %q", segment)
	}

	encoded, err := bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	keys := make([]string, 0, len(encoded))
	for _, e := range encoded {
		rest, err := decodeKey(e)
		if err != nil {
			// Foreign keys in the bucket are not ours to surface.
			continue
		}
		full := segment + "/" + rest
		if strings.HasPrefix(full, prefix) {
			keys = append(keys, full)
		}
	}
	return keys, nil
}
