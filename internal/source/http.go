package source

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/bull/shardsearch/internal/apperr"
	"github.com/bull/shardsearch/internal/metadata"
)

// DefaultPageSize is the page size requested when none is configured.
const DefaultPageSize = 100

// Signer adds authentication parameters to a request query.
type Signer interface {
	Sign(q url.Values)
}

// APIKeySigner signs requests with a public key, a timestamp and
// md5(ts + private key + public key).
type APIKeySigner struct {
	PublicKey  string
	PrivateKey string
	now        func() time.Time
}

func (s APIKeySigner) Sign(q url.Values) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ts := strconv.FormatInt(now().UnixNano(), 10)
	sum := md5.Sum([]byte(ts + s.PrivateKey + s.PublicKey))
	q.Set("ts", ts)
	q.Set("apikey", s.PublicKey)
	q.Set("hash", hex.EncodeToString(sum[:]))
}

// DefaultPath maps ("character#1009685", "endpoint#comics") to
// "characters/1009685/comics" and ("all#comics", "endpoint#comics") to
// "comics".
func DefaultPath(p Partition) (string, error) {
	kind, id, ok := splitTag(p.Key)
	if !ok {
		return "", fmt.Errorf("%w: malformed partition key %q", apperr.ErrValidation, p.Key)
	}
	sk, endpoint, ok := splitTag(p.SortKey)
	if !ok || sk != "endpoint" {
		return "", fmt.Errorf("%w: malformed sort key %q", apperr.ErrValidation, p.SortKey)
	}
	if kind == "all" {
		return endpoint, nil
	}
	return path.Join(plural(kind), url.PathEscape(id), endpoint), nil
}

// envelope is the paged response body.
type envelope struct {
	ETag string `json:"etag"`
	Data struct {
		Offset  int64             `json:"offset"`
		Limit   int64             `json:"limit"`
		Total   int64             `json:"total"`
		Count   int64             `json:"count"`
		Results []json.RawMessage `json:"results"`
	} `json:"data"`
}

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	BaseURL           string
	PageSize          int
	RequestsPerSecond float64
	Signer            Signer
	Client            *http.Client
	// Path maps a partition to a URL path below BaseURL. Defaults to DefaultPath.
	Path   func(Partition) (string, error)
	Logger *slog.Logger
}

// HTTPFetcher pages through a REST API that takes offset and limit query
// parameters and answers with a data.results envelope.
type HTTPFetcher struct {
	base     *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	signer   Signer
	pageSize int
	path     func(Partition) (string, error)
	logger   *slog.Logger
	backoff  func() backoff.BackOff
}

// NewHTTPFetcher creates a fetcher for opts.BaseURL.
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", apperr.ErrValidation, opts.BaseURL)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Path == nil {
		opts.Path = DefaultPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &HTTPFetcher{
		base:     base,
		client:   opts.Client,
		limiter:  rate.NewLimiter(limit, 1),
		signer:   opts.Signer,
		pageSize: opts.PageSize,
		path:     opts.Path,
		logger:   opts.Logger,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}, nil
}

// retryableStatus marks responses worth retrying.
type retryableStatus struct{ code int }

func (e *retryableStatus) Error() string { return "upstream returned " + strconv.Itoa(e.code) }

// FetchPage fetches the page at pos. A 304 answer yields a NotModified,
// Done page that keeps pos. 429 and 5xx answers are retried with
// exponential backoff; when retries run out the error wraps
// apperr.ErrThrottled or apperr.ErrTransientIO.
func (f *HTTPFetcher) FetchPage(ctx context.Context, p Partition, pos Position) (*Page, error) {
	rel, err := f.path(p)
	if err != nil {
		return nil, err
	}
	u := *f.base
	u.Path = path.Join(f.base.Path, rel)

	var (
		status int
		header http.Header
		body   []byte
	)
	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		q := u.Query()
		q.Set("offset", strconv.FormatInt(pos.Offset, 10))
		q.Set("limit", strconv.Itoa(f.pageSize))
		if f.signer != nil {
			f.signer.Sign(q)
		}
		reqURL := u
		reqURL.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if pos.ETag != "" {
			req.Header.Set("If-None-Match", pos.ETag)
		}
		if !pos.LastModified.IsZero() {
			req.Header.Set("If-Modified-Since", pos.LastModified.UTC().Format(http.TimeFormat))
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", apperr.ErrTransientIO, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			f.logger.Debug("upstream asked to retry", "partition", p.String(), "status", resp.StatusCode)
			return &retryableStatus{code: resp.StatusCode}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read body: %v", apperr.ErrTransientIO, err)
		}
		status, header, body = resp.StatusCode, resp.Header, data
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(f.backoff(), ctx)); err != nil {
		var rs *retryableStatus
		if errors.As(err, &rs) {
			if rs.code == http.StatusTooManyRequests {
				return nil, fmt.Errorf("%w: %s: %v", apperr.ErrThrottled, p, err)
			}
			return nil, fmt.Errorf("%w: %s: %v", apperr.ErrTransientIO, p, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", p, err)
	}

	switch {
	case status == http.StatusNotModified:
		return &Page{Next: pos, Done: true, NotModified: true}, nil
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: upstream partition %s", apperr.ErrNotFound, p)
	case status < 200 || status > 299:
		return nil, fmt.Errorf("%w: upstream answered %d for %s", apperr.ErrValidation, status, p)
	}

	return f.decodePage(p, pos, header, body)
}

func (f *HTTPFetcher) decodePage(p Partition, pos Position, header http.Header, body []byte) (*Page, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode page of %s: %v", apperr.ErrTransientIO, p, err)
	}

	_, endpoint, _ := splitTag(p.SortKey)
	entity := singular(endpoint)

	next := Position{
		Offset:       pos.Offset + int64(len(env.Data.Results)),
		ETag:         header.Get("ETag"),
		LastModified: pos.LastModified,
	}
	if next.ETag == "" {
		next.ETag = env.ETag
	}
	if lm, err := http.ParseTime(header.Get("Last-Modified")); err == nil {
		next.LastModified = laterOf(next.LastModified, lm.UTC())
	}

	items := make([]Item, 0, len(env.Data.Results))
	for _, raw := range env.Data.Results {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: result in %s is not an object: %v", apperr.ErrTransientIO, p, err)
		}
		if t, ok := metadata.ParseTime(obj["modified"]); ok {
			next.LastModified = laterOf(next.LastModified, t.UTC())
		}
		items = append(items, Item{EntityType: entity, SourceID: itemID(obj, raw), Payload: raw})
	}

	done := len(items) == 0 || next.Offset >= env.Data.Total
	return &Page{Items: items, Next: next, Done: done}, nil
}
