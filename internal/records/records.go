// Package records is the canonical record store: append-only, immutable,
// line-delimited JSON objects partitioned by pipeline stage and day.
package records

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/codec"
	"github.com/bull/shardsearch/internal/objectstore"
)

// Pipeline stages, in processing order.
const (
	StageRaw      = "raw"
	StageDerived  = "derived"
	StageChunked  = "chunked"
	StageEmbedded = "embedded"
	StageIndexed  = "indexed"
)

// maxKeyAttempts bounds how often Write re-lists after losing a key race.
const maxKeyAttempts = 5

// maxLineBytes is the largest single record line Read accepts.
const maxLineBytes = 16 << 20

// Record is one canonical record. Records with the same
// (EntityType, SourceID, SchemaVersion) and Checksum have identical payloads.
type Record struct {
	Stage          string          `json:"stage"`
	EntityType     string          `json:"entity_type"`
	SourceID       string          `json:"source_id"`
	SchemaVersion  int             `json:"schema_version"`
	Checksum       string          `json:"checksum"`
	ParentChecksum string          `json:"parent_checksum,omitempty"`
	OriginChecksum string          `json:"origin_checksum,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
}

// Checksum returns the content address of a record: the hex SHA-256 of its
// identity fields and compacted payload.
func Checksum(entityType, sourceID string, schemaVersion int, payload json.RawMessage) (string, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return "", fmt.Errorf("%w: payload is not valid JSON: %v", apperr.ErrValidation, err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", entityType, sourceID, schemaVersion)
	h.Write(compact.Bytes())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DateRange selects partitions by day, inclusive on both ends. A zero bound
// is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether day falls inside the range.
func (r DateRange) Contains(day time.Time) bool {
	d := truncateDay(day)
	if !r.From.IsZero() && d.Before(truncateDay(r.From)) {
		return false
	}
	if !r.To.IsZero() && d.After(truncateDay(r.To)) {
		return false
	}
	return true
}

// Predicate filters records during Read. A nil predicate accepts everything.
type Predicate func(Record) bool

// Store reads and writes canonical records on top of an object store.
type Store struct {
	objects objectstore.Store
	codec   string
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a record store compressing objects with the named codec.
func NewStore(objects objectstore.Store, codecName string, logger *slog.Logger) (*Store, error) {
	if err := codec.Validate(codecName); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{objects: objects, codec: codecName, logger: logger, now: time.Now}, nil
}

// Write persists recs as one immutable object in the stage's partition for
// day and returns the object key and the hex SHA-256 of the uncompressed
// body. Records missing a checksum get one computed; a record whose
// checksum does not match its content is rejected. The write is a single
// object put, so it either lands completely or not at all.
func (s *Store) Write(ctx context.Context, stage string, day time.Time, recs []Record) (string, string, error) {
	if stage == "" {
		return "", "", fmt.Errorf("%w: stage is required", apperr.ErrValidation)
	}
	if len(recs) == 0 {
		return "", "", fmt.Errorf("%w: no records to write", apperr.ErrValidation)
	}

	createdAt := s.now().UTC()
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	for i := range recs {
		rec := recs[i]
		if rec.EntityType == "" || rec.SourceID == "" {
			return "", "", fmt.Errorf("%w: record %d missing entity_type or source_id", apperr.ErrValidation, i)
		}
		sum, err := Checksum(rec.EntityType, rec.SourceID, rec.SchemaVersion, rec.Payload)
		if err != nil {
			return "", "", fmt.Errorf("record %d: %w", i, err)
		}
		if rec.Checksum != "" && rec.Checksum != sum {
			return "", "", fmt.Errorf("%w: record %d checksum does not match payload", apperr.ErrValidation, i)
		}
		rec.Checksum = sum
		rec.Stage = stage
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = createdAt
		}
		if err := enc.Encode(rec); err != nil {
			return "", "", fmt.Errorf("encode record %d: %w", i, err)
		}
	}

	digest := sha256.Sum256(body.Bytes())
	checksum := hex.EncodeToString(digest[:])

	data, err := codec.Encode(s.codec, body.Bytes())
	if err != nil {
		return "", "", err
	}

	prefix := objectstore.PartitionPrefix(stage, day)
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		keys, err := s.objects.List(ctx, prefix)
		if err != nil {
			return "", "", fmt.Errorf("list %s: %w", prefix, err)
		}
		key := objectstore.ObjectKey(stage, day, objectstore.NextSequence(keys))

		_, err = s.objects.PutIfAbsent(ctx, key, data)
		if errors.Is(err, objectstore.ErrExists) {
			s.logger.Debug("record object key taken, retrying", "key", key, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("write %s: %w", key, err)
		}

		s.logger.Debug("wrote records", "stage", stage, "key", key, "count", len(recs), "bytes", len(data))
		return key, checksum, nil
	}
	return "", "", fmt.Errorf("%w: could not claim an object key under %s", apperr.ErrTransientIO, prefix)
}

// Read lazily yields every record of stage whose partition day falls in
// rng and that satisfies pred. Objects are visited in key order, so
// re-issuing the same call replays the same sequence.
//
// A malformed line or an object that fails to decode is yielded as an
// error wrapping apperr.ErrCorruption and iteration continues. Any other
// error ends the sequence.
func (s *Store) Read(ctx context.Context, stage string, rng DateRange, pred Predicate) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		keys, err := s.objects.List(ctx, stage+"/")
		if err != nil {
			yield(Record{}, fmt.Errorf("list %s: %w", stage, err))
			return
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			day, ok := KeyDay(key)
			if !ok || !rng.Contains(day) {
				continue
			}
			if !s.readObject(ctx, key, pred, yield) {
				return
			}
		}
	}
}

func (s *Store) readObject(ctx context.Context, key string, pred Predicate, yield func(Record, error) bool) bool {
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		yield(Record{}, fmt.Errorf("read %s: %w", key, err))
		return false
	}
	body, err := codec.Decode(data)
	if err != nil {
		return yield(Record{}, fmt.Errorf("%w: %s: %v", apperr.ErrCorruption, key, err))
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		rec, err := decodeLine(raw)
		if err != nil {
			if !yield(Record{}, fmt.Errorf("%w: %s line %d: %v", apperr.ErrCorruption, key, line, err)) {
				return false
			}
			continue
		}
		if pred != nil && !pred(rec) {
			continue
		}
		if !yield(rec, nil) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		return yield(Record{}, fmt.Errorf("%w: %s: %v", apperr.ErrCorruption, key, err))
	}
	return true
}

func decodeLine(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	sum, err := Checksum(rec.EntityType, rec.SourceID, rec.SchemaVersion, rec.Payload)
	if err != nil {
		return Record{}, err
	}
	if sum != rec.Checksum {
		return Record{}, errors.New("checksum mismatch")
	}
	return rec, nil
}

// KeyDay parses the partition day out of a stage/YYYY/MM/DD/... key.
func KeyDay(key string) (time.Time, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 5 {
		return time.Time{}, false
	}
	day, err := time.Parse("2006/01/02", strings.Join(parts[1:4], "/"))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
