package schwabrt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpCaller performs one-shot authenticated HTTP calls, reading the
// bearer token from the token store at call time so an in-flight refresh
// does not corrupt an imminent request body (though, per spec.md §9's
// open question, no strict ordering with a concurrent refresh is
// promised or enforced here). Grounded on adapter/saxo.go's
// doRequest/handleErrorResponse, upgraded from plain errors to the typed
// taxonomy in errors.go.
type httpCaller struct {
	client *http.Client
	tokens *tokenStore
}

func newHTTPCaller(tokens *tokenStore) *httpCaller {
	return &httpCaller{client: &http.Client{}, tokens: tokens}
}

// call issues method to url with the given headers/body, enforcing
// timeout, and returns the response body on a 2xx status.
func (c *httpCaller) call(ctx context.Context, method, url string, headers map[string]string, body io.Reader, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}

	if token := c.tokens.Get(); token.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DecodeError{URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, URL: url, Body: string(respBody)}
	}

	if len(respBody) == 0 {
		return nil, &DecodeError{URL: url, Err: fmt.Errorf("empty response body")}
	}

	return respBody, nil
}
