// Package collab holds the HTTP clients for the upstream collaborator
// services: the job parser and the risk scanner. Both are treated as opaque;
// their availability problems surface as transient errors so the pipeline
// can retry or fall back.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
)

type httpClient struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func newHTTPClient(timeout time.Duration, retries int, backoff time.Duration) *httpClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &httpClient{client: &http.Client{Timeout: timeout}, retries: retries, backoff: backoff}
}

// statusError carries a non-2xx response for classification.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (c *httpClient) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if out == nil {
						lastErr = nil
						return
					}
					lastErr = json.NewDecoder(resp.Body).Decode(out)
					return
				}
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				lastErr = statusError{code: resp.StatusCode, body: string(b)}
			}()
			var se statusError
			if lastErr == nil || (errors.As(lastErr, &se) && !retryableStatus(se.code)) {
				return lastErr
			}
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// classify maps a transport failure to the pipeline error taxonomy for the
// given stage.
func classify(stage pipeline.StageKind, err error) error {
	if err == nil {
		return nil
	}
	var se statusError
	if errors.As(err, &se) {
		if retryableStatus(se.code) {
			return pipeline.ErrTransient{Stage: stage, Cause: err}
		}
		return pipeline.ErrValidation{Field: string(stage), Reason: se.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network-level failures are retryable.
	return pipeline.ErrTransient{Stage: stage, Cause: err}
}
