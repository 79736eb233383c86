package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/pkg/common/config"
)

// ErrNotFound is returned for HTTP 404. The status is never retried; some
// endpoints use it to signal an empty result set and callers decide.
var ErrNotFound = errors.New("not found")

// maxRetryInterval caps the doubling backoff between attempts.
const maxRetryInterval = 30 * time.Second

// Client is an HTTP client with exponential-backoff retries. All outbound
// traffic of the pipeline (harvest, enrichment, index updates) goes through
// one of these.
type Client struct {
	http     *http.Client
	maxTries int
	wait     time.Duration
}

func NewClient(cfg config.HTTP) *Client {
	return &Client{
		http:     &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		maxTries: cfg.MaxTries,
		wait:     time.Duration(cfg.RetryWait) * time.Second,
	}
}

// Get fetches a URL with retries and returns the response body.
func (c *Client) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, url, header, nil)
}

// Do performs one logical request, retrying transport errors and 5xx
// responses. 404 maps to ErrNotFound and 4xx responses fail without retry.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.wait
	bo.Multiplier = 2
	bo.MaxInterval = maxRetryInterval
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0

	var result []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := c.once(ctx, method, url, header, body)
		if err == nil {
			result = data
			return nil
		}
		if errors.Is(err, ErrNotFound) || isPermanentStatus(err) {
			return backoff.Permanent(err)
		}
		log.ZWarn(ctx, "http request failed, retrying", err, "url", url, "attempt", attempt)
		return err
	}
	limit := uint64(0)
	if c.maxTries > 1 {
		limit = uint64(c.maxTries - 1)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, limit), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.status, e.body)
}

func isPermanentStatus(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status >= 400 && se.status < 500
}

func (c *Client) once(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errs.WrapMsg(err, "build request failed", "url", url)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.WrapMsg(err, "request failed", "url", url)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.WrapMsg(err, "read response failed", "url", url)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.WrapMsg(ErrNotFound, "resource missing", "url", url)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errs.Wrap(&statusError{status: resp.StatusCode, body: truncate(string(data), 500)})
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
