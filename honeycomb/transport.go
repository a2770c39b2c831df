package honeycomb

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Transport posts an encoded batch. It is the only network dependency of
// the exporter, so tests and alternative clients can replace it.
type Transport interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error)
}

// HTTPTransport posts batches with a net/http client.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport using client, or a client with a
// 30 second timeout when client is nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{Client: client}
}

// Post sends body to url with the given headers.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building batch request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.Client.Do(req)
}
