// Package objectstore abstracts the immutable object storage that backs the
// record store and the vector shards.
//
// Objects are written whole and never modified after a successful Put, so
// readers never observe a partially-written object. Keys follow the
// convention stage/YYYY/MM/DD/shard-NNNNN (see PartitionPrefix and ObjectKey).
package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrExists is returned by PutIfAbsent when the key is already taken.
var ErrExists = errors.New("object already exists")

// Store is the object store interface consumed by the pipeline.
type Store interface {
	// Put writes data under key, replacing any existing object, and returns its etag.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// PutIfAbsent writes data only if key does not exist yet.
	// It returns ErrExists if the key is taken.
	PutIfAbsent(ctx context.Context, key string, data []byte) (string, error)
	// Get returns the object's bytes. Missing keys yield an error satisfying
	// errors.Is(err, apperr.ErrNotFound).
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns all keys with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// HealthChecker is implemented by stores that can verify their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// PartitionPrefix returns "stage/YYYY/MM/DD/" for the given day (UTC).
func PartitionPrefix(stage string, day time.Time) string {
	day = day.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/", stage, day.Year(), int(day.Month()), day.Day())
}

// ObjectKey returns the key of the seq-th object written for stage on day.
func ObjectKey(stage string, day time.Time, seq int) string {
	return fmt.Sprintf("%sshard-%05d", PartitionPrefix(stage, day), seq)
}

// NextSequence returns one more than the highest shard sequence among keys,
// or 0 if none carry a sequence.
func NextSequence(keys []string) int {
	next := 0
	for _, k := range keys {
		i := strings.LastIndex(k, "shard-")
		if i < 0 {
			continue
		}
		n, err := strconv.Atoi(k[i+len("shard-"):])
		if err != nil {
			continue
		}
		if n+1 > next {
			next = n + 1
		}
	}
	return next
}

// ContentETag computes the etag used by stores that do not get one from
// their backend: the hex MD5 of the content, as S3 does for single-part objects.
func ContentETag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
