package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// OCRClient recognizes text in a scanned page image.
type OCRClient interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (string, error)
	Ping(ctx context.Context) error
}

type OCRConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultOCRConfig() *OCRConfig {
	return &OCRConfig{
		BaseURL: "http://localhost:8884",
		Timeout: 60 * time.Second,
	}
}

func (c *OCRConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: ocr base_url is required", models.ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: ocr timeout must be positive", models.ErrInvalidConfig)
	}
	return nil
}

// HTTPOCRClient talks to an OCR service that accepts an image body and
// returns {"text": "..."}.
type HTTPOCRClient struct {
	config     *OCRConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewHTTPOCRClient(config *OCRConfig, logger *logrus.Logger) (*HTTPOCRClient, error) {
	if config == nil {
		config = DefaultOCRConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &HTTPOCRClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}, nil
}

func (c *HTTPOCRClient) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	url := c.config.BaseURL + "/v1/recognize"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ocr returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode ocr response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"bytes":    len(image),
		"duration": time.Since(start),
	}).Debug("OCR recognition completed")

	return result.Text, nil
}

func (c *HTTPOCRClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ocr health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}
