// Package source is the HTTP client of the marketplace listing API.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"estatesync/server/internal/errlog"
	"estatesync/server/internal/models"

	"github.com/sirupsen/logrus"
)

// maxBodyBytes caps a single page response.
const maxBodyBytes = 64 << 20

var typePaths = map[models.ObjectType]string{
	models.ObjectBlock:             "blocks",
	models.ObjectParking:           "parkings",
	models.ObjectVillage:           "villages",
	models.ObjectPlot:              "plots",
	models.ObjectCommercialBlock:   "commercial-blocks",
	models.ObjectCommercialPremise: "commercial-premises",
}

// PageRequest identifies one offset/limit window of one (type, city) pair.
type PageRequest struct {
	ObjectType models.ObjectType `json:"object_type"`
	City       string            `json:"city"`
	Offset     int               `json:"offset"`
	Limit      int               `json:"limit"`
	Token      string            `json:"-"`
}

// Page is a decoded page response.
type Page struct {
	Records []json.RawMessage `json:"data"`
}

// Client fetches listing pages.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a client whose every request carries the given deadline.
func NewClient(baseURL string, timeout time.Duration, userAgent string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// FetchPage requests one page. Any failure to obtain a decoded page is a
// transport failure.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	path, ok := typePaths[req.ObjectType]
	if !ok {
		return nil, fmt.Errorf("no source path for object type %q", req.ObjectType)
	}

	query := url.Values{}
	if req.City != "" {
		query.Set("city", req.City)
	}
	query.Set("offset", strconv.Itoa(req.Offset))
	query.Set("limit", strconv.Itoa(req.Limit))
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, path, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	c.logger.WithFields(logrus.Fields{
		"object_type": req.ObjectType,
		"city":        req.City,
		"offset":      req.Offset,
		"limit":       req.Limit,
	}).Debug("Fetching page")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errlog.Transport(fmt.Errorf("failed to fetch %s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errlog.Transport(fmt.Errorf("failed to read %s response: %w", path, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errlog.Transport(fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, snippet(body)))
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errlog.Transport(fmt.Errorf("failed to decode %s response: %w", path, err))
	}
	return &page, nil
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
