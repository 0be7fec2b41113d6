package shard

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/codec"
	"github.com/bull/shardsearch/internal/objectstore"
	"github.com/bull/shardsearch/internal/vector"
)

// CorruptRow records a shard row that could not be used.
type CorruptRow struct {
	Row int
	Err error
}

// Shard is a loaded, read-only shard. Vectors[i] was stored at row Rows[i];
// rows listed in Corrupt were skipped.
type Shard struct {
	Manifest *Manifest
	Vectors  []vector.Vector
	Rows     []uint32
	Corrupt  []CorruptRow
	// ChecksumMismatch is set when the object body no longer matches the
	// checksum recorded in the manifest.
	ChecksumMismatch bool
}

// Load fetches and parses the shard described by manifest. A shard whose
// header is unreadable or names a different index fails with
// apperr.ErrCorruption; individual bad rows are collected in Corrupt.
func Load(ctx context.Context, store objectstore.Store, manifest *Manifest) (*Shard, error) {
	data, err := store.Get(ctx, manifest.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read shard %s: %w", manifest.ShardID, err)
	}
	body, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: shard %s: %v", apperr.ErrCorruption, manifest.ShardID, err)
	}

	digest := sha256.Sum256(body)
	s := &Shard{
		Manifest:         manifest,
		Vectors:          make([]vector.Vector, 0, manifest.Count),
		Rows:             make([]uint32, 0, manifest.Count),
		ChecksumMismatch: manifest.Checksum != "" && hex.EncodeToString(digest[:]) != manifest.Checksum,
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: shard %s has no header", apperr.ErrCorruption, manifest.ShardID)
	}
	var hdr header
	if err := json.Unmarshal(scanner.Bytes(), &hdr); err != nil {
		return nil, fmt.Errorf("%w: shard %s header: %v", apperr.ErrCorruption, manifest.ShardID, err)
	}
	if hdr.ShardID != manifest.ShardID || hdr.ModelID != manifest.ModelID || hdr.Dims != manifest.Dims {
		return nil, fmt.Errorf("%w: shard %s header does not match its manifest", apperr.ErrCorruption, manifest.ShardID)
	}
	if hdr.Format != FormatVersion {
		return nil, fmt.Errorf("%w: shard %s has unknown format %d", apperr.ErrCorruption, manifest.ShardID, hdr.Format)
	}

	row := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		v, err := parseRow(line, hdr)
		if err != nil {
			s.Corrupt = append(s.Corrupt, CorruptRow{Row: row, Err: err})
		} else {
			s.Vectors = append(s.Vectors, v)
			s.Rows = append(s.Rows, uint32(row))
		}
		row++
	}
	if err := scanner.Err(); err != nil {
		s.Corrupt = append(s.Corrupt, CorruptRow{Row: row, Err: err})
	}
	return s, nil
}

func parseRow(line []byte, hdr header) (vector.Vector, error) {
	var v vector.Vector
	if err := json.Unmarshal(line, &v); err != nil {
		return vector.Vector{}, fmt.Errorf("%w: %v", apperr.ErrCorruption, err)
	}
	if v.ModelID != hdr.ModelID || v.Dims != hdr.Dims {
		return vector.Vector{}, fmt.Errorf("%w: row %s is %s/%d", apperr.ErrCorruption, v.ID, v.ModelID, v.Dims)
	}
	if err := v.Check(); err != nil {
		return vector.Vector{}, fmt.Errorf("%w: %v", apperr.ErrCorruption, err)
	}
	return v, nil
}
