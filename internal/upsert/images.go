package upsert

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ImageChecker verifies that an image URL can be served.
type ImageChecker interface {
	Check(ctx context.Context, url string) error
}

// HTTPImageChecker issues a HEAD request per image.
type HTTPImageChecker struct {
	client *http.Client
}

func NewHTTPImageChecker(timeout time.Duration) *HTTPImageChecker {
	return &HTTPImageChecker{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPImageChecker) Check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("invalid image url: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("image returned status %d", resp.StatusCode)
	}
	return nil
}
