package ensemble

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// HTTPResolver fetches the server list from an HTTP locator.
type HTTPResolver struct {
	// Path is appended to the endpoint when non-empty, e.g. "/exhibitor/v1/cluster/list".
	Path string
}

func (h *HTTPResolver) Resolve(ctx context.Context, endpoint string, validateCerts bool, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := resty.New().
		SetTimeout(timeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: !validateCerts}). //nolint:gosec // operator opt-out
		SetHeader("Accept", "application/json, text/plain")

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.New().String()).
		Get(endpoint + h.Path)
	if err != nil {
		return "", fmt.Errorf("failed to query locator: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("locator returned status %d", resp.StatusCode())
	}
	return parseEnsemble(resp.Body())
}
