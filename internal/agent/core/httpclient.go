package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient is a small JSON client with retries and exponential
// backoff, shared by the LLM providers.
type HTTPClient struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func NewHTTPClient(timeout time.Duration, retries int, backoff time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = time.Second
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}, retries: retries, backoff: backoff}
}

// DoJSON posts body as JSON and decodes a 2xx response into out.
// Non-2xx responses and transport errors are retried with
// backoff * 2^attempt; the last error is returned when retries run out.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) error {
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		encoded = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if encoded != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out == nil {
					resp.Body.Close()
					return nil
				}
				err := json.NewDecoder(resp.Body).Decode(out)
				resp.Body.Close()
				return err
			}
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = errors.New(resp.Status + ": " + string(b))
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
