package shard

import (
	"context"
	"errors"
	"fmt"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/vector"
)

// Writer appends vectors of one (model, dims) index, rotating to a fresh
// shard whenever the current one is full. A Writer is not safe for
// concurrent use; run one per goroutine.
type Writer struct {
	manager *Manager
	modelID string
	dims    int

	current   *Handle
	manifests []*Manifest
}

// NewWriter creates a writer for the given index.
func (m *Manager) NewWriter(modelID string, dims int) *Writer {
	return &Writer{manager: m, modelID: modelID, dims: dims}
}

// Append adds v, closing the current shard and opening a new one when the
// bound is reached.
func (w *Writer) Append(ctx context.Context, v vector.Vector) error {
	if w.current == nil {
		h, err := w.manager.Open(w.modelID, w.dims)
		if err != nil {
			return err
		}
		w.current = h
	}

	err := w.manager.Append(w.current, v)
	if !errors.Is(err, apperr.ErrShardFull) {
		return err
	}

	if err := w.rotate(ctx); err != nil {
		return err
	}
	return w.manager.Append(w.current, v)
}

// Check reports whether Append would accept v, without appending it.
func (w *Writer) Check(v vector.Vector) error {
	if v.ModelID != w.modelID || v.Dims != w.dims {
		return fmt.Errorf("%w: writer holds %s/%d, vector %s is %s/%d",
			apperr.ErrModelMismatch, w.modelID, w.dims, v.ID, v.ModelID, v.Dims)
	}
	return w.manager.Check(v)
}

func (w *Writer) rotate(ctx context.Context) error {
	manifest, err := w.manager.Close(ctx, w.current)
	if err != nil {
		return err
	}
	w.manifests = append(w.manifests, manifest)

	h, err := w.manager.Open(w.modelID, w.dims)
	if err != nil {
		return err
	}
	w.current = h
	return nil
}

// Flush closes the open shard, if it holds anything, and returns the
// manifests of every shard this writer closed.
func (w *Writer) Flush(ctx context.Context) ([]*Manifest, error) {
	if w.current != nil && w.current.Count() > 0 {
		manifest, err := w.manager.Close(ctx, w.current)
		if err != nil {
			return w.manifests, err
		}
		w.manifests = append(w.manifests, manifest)
	}
	w.current = nil
	return w.manifests, nil
}
