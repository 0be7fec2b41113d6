package source

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/shardsearch/internal/apperr"
)

var comics = []map[string]any{
	{"id": 1001, "title": "Avengers #1", "modified": "2024-01-02T00:00:00Z"},
	{"id": 1002, "title": "Avengers #2", "modified": "2024-03-05T00:00:00Z"},
	{"id": 1003, "title": "Avengers #3", "modified": "2024-02-01T00:00:00Z"},
}

func pageBody(t *testing.T, offset, limit int) []byte {
	t.Helper()
	end := min(offset+limit, len(comics))
	results := comics[min(offset, len(comics)):end]
	body, err := json.Marshal(map[string]any{
		"etag": "body-etag",
		"data": map[string]any{
			"offset":  offset,
			"limit":   limit,
			"total":   len(comics),
			"count":   len(results),
			"results": results,
		},
	})
	require.NoError(t, err)
	return body
}

func newTestFetcher(t *testing.T, h http.HandlerFunc, opts HTTPOptions) *HTTPFetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL + "/v1/public"
	f, err := NewHTTPFetcher(opts)
	require.NoError(t, err)
	f.backoff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }
	return f
}

var comicsPartition = Partition{Key: "character#1009685", SortKey: "endpoint#comics"}

func TestHTTPFetcher_Pages(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/public/characters/1009685/comics", r.URL.Path)

		q := r.URL.Query()
		ts := q.Get("ts")
		sum := md5.Sum([]byte(ts + "priv" + "pub"))
		assert.Equal(t, "pub", q.Get("apikey"))
		assert.Equal(t, hex.EncodeToString(sum[:]), q.Get("hash"))

		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		w.Header().Set("ETag", fmt.Sprintf("etag-%d", offset))
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Write(pageBody(t, offset, limit))
	}, HTTPOptions{PageSize: 2, Signer: APIKeySigner{PublicKey: "pub", PrivateKey: "priv"}})

	ctx := context.Background()
	page, err := f.FetchPage(ctx, comicsPartition, Position{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.False(t, page.Done)
	assert.Equal(t, "comic", page.Items[0].EntityType)
	assert.Equal(t, "1001", page.Items[0].SourceID)
	assert.Equal(t, int64(2), page.Next.Offset)
	assert.Equal(t, "etag-0", page.Next.ETag)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), page.Next.LastModified)

	page, err = f.FetchPage(ctx, comicsPartition, page.Next)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, page.Done)
	assert.Equal(t, int64(3), page.Next.Offset)
	// An older item never moves the watermark back.
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), page.Next.LastModified)

	page, err = f.FetchPage(ctx, comicsPartition, page.Next)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.True(t, page.Done)
	assert.Equal(t, int64(3), page.Next.Offset)
}

func TestHTTPFetcher_NotModified(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == "etag-300" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write(pageBody(t, 0, 10))
	}, HTTPOptions{})

	pos := Position{Offset: 300, ETag: "etag-300", LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	page, err := f.FetchPage(context.Background(), comicsPartition, pos)
	require.NoError(t, err)
	assert.True(t, page.NotModified)
	assert.True(t, page.Done)
	assert.Empty(t, page.Items)
	assert.Equal(t, pos, page.Next)
}

func TestHTTPFetcher_RetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(pageBody(t, 0, 10))
	}, HTTPOptions{})

	page, err := f.FetchPage(context.Background(), comicsPartition, Position{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "throttled", status: http.StatusTooManyRequests, want: apperr.ErrThrottled},
		{name: "unavailable", status: http.StatusServiceUnavailable, want: apperr.ErrTransientIO},
		{name: "not found", status: http.StatusNotFound, want: apperr.ErrNotFound},
		{name: "bad request", status: http.StatusBadRequest, want: apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}, HTTPOptions{})

			_, err := f.FetchPage(context.Background(), comicsPartition, Position{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPFetcher_MalformedBody(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"total":1,"count":1,"results":[42]}}`))
	}, HTTPOptions{})

	_, err := f.FetchPage(context.Background(), comicsPartition, Position{})
	assert.ErrorIs(t, err, apperr.ErrTransientIO)
}

func TestHTTPFetcher_RejectsUnknownPartition(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, HTTPOptions{})

	_, err := f.FetchPage(context.Background(), Partition{Key: "bogus", SortKey: "endpoint#comics"}, Position{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
