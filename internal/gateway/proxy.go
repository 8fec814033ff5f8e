package gateway

import (
	"context"
	"net/http"
)

// forwardedHeaders are copied from the client request to the upstream one.
// The identity headers are set by the auth layer in front of the gateway.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"X-User-ID",
	"X-Session-ID",
	"X-Request-ID",
}

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	return &ServiceProxy{
		baseURL: baseURL,
		client:  client,
	}
}

// ForwardRequest sends r to path on the upstream service, keeping its
// method, body, query string and forwarded headers.
func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}

	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	return p.client.Do(req)
}
