// Package ocr extracts text from images so that image attachments can be
// presented to models without vision support.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ffinly/chatcore/internal/config"
)

// ErrNotConfigured is returned when neither an OCR model nor a hosted
// license key is configured.
var ErrNotConfigured = errors.New("ocr is not configured")

const (
	hostedEndpoint     = "https://api.chatcore.dev/v1/ocr"
	hostedMaxBodyBytes = 1 << 20 // 1 MiB

	recognizePrompt = "Extract all visible text from this image. Output only the extracted text, preserving line breaks. If the image contains no text, output nothing."
)

// ModelInvoker runs a one-shot vision prompt against a configured model and
// returns the generated text.
type ModelInvoker func(ctx context.Context, modelID string, prompt string, imageData []byte, mimeType string) (string, error)

// Client recognizes text in images. It delegates to a configured vision
// model when one is set, otherwise to the hosted OCR service.
type Client struct {
	modelID    string
	invoke     ModelInvoker
	licenseKey string
	endpoint   string
	http       *http.Client
}

func NewClient(cfg *config.Config, invoke ModelInvoker) *Client {
	c := &Client{
		invoke:   invoke,
		endpoint: hostedEndpoint,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
	if cfg != nil && cfg.OCR != nil {
		c.modelID = strings.TrimSpace(cfg.OCR.ModelID)
		if envName := strings.TrimSpace(cfg.OCR.LicenseKeyEnv); envName != "" {
			c.licenseKey = strings.TrimSpace(os.Getenv(envName))
		}
	}
	return c
}

// Configured reports whether Recognize can succeed at all. Callers should
// check this before doing any expensive work on the turn.
func (c *Client) Configured() bool {
	if c == nil {
		return false
	}
	return (c.modelID != "" && c.invoke != nil) || c.licenseKey != ""
}

func (c *Client) Recognize(ctx context.Context, imageData []byte, mimeType string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if len(imageData) == 0 {
		return "", errors.New("empty image data")
	}

	if c.modelID != "" && c.invoke != nil {
		text, err := c.invoke(ctx, c.modelID, recognizePrompt, imageData, mimeType)
		if err != nil {
			return "", fmt.Errorf("ocr model %s: %w", c.modelID, err)
		}
		return strings.TrimSpace(text), nil
	}

	return c.hostedRecognize(ctx, imageData, mimeType)
}

type hostedRequest struct {
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

type hostedResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (c *Client) hostedRecognize(ctx context.Context, imageData []byte, mimeType string) (string, error) {
	payload, err := json.Marshal(hostedRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(imageData),
		MimeType:    mimeType,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.licenseKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, hostedMaxBodyBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("hosted ocr failed (status %d)", resp.StatusCode)
		}
		return "", errors.New(msg)
	}

	var decoded hostedResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", errors.New("invalid hosted ocr response")
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return strings.TrimSpace(decoded.Text), nil
}
