// Package oracle fetches attested values from oracle endpoints and feeds
// them to oracle release conditions.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

var ErrNoValue = errors.New("oracle response carries no value")

// Fetcher reads the current value published by an oracle endpoint.
// JSON bodies provide it in "value" (or "result"); HTML pages in a
// <meta name="oracle-value"> tag or a [data-oracle-value] element; any
// other body is taken as the value itself.
type Fetcher struct {
	httpClient *http.Client
	log        *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewFetcher(timeout time.Duration, maxRetries int, log *zap.Logger) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:        log,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
	}
}

func (f *Fetcher) FetchValue(ctx context.Context, endpoint string) (string, error) {
	var body []byte
	var contentType string
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * f.backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Accept", "application/json, text/html;q=0.9, text/plain;q=0.8")
		req.Header.Set("User-Agent", "escrow-engine-oracle/1.0")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d for %s", resp.StatusCode, endpoint)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				break
			}
			continue
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		contentType = resp.Header.Get("Content-Type")
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		return "", lastErr
	}
	return extractValue(contentType, body)
}

func extractValue(contentType string, body []byte) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)

	switch {
	case mediaType == "application/json" || (mediaType == "" && len(trimmed) > 0 && trimmed[0] == '{'):
		return valueFromJSON(trimmed)
	case mediaType == "text/html" || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) || bytes.HasPrefix(trimmed, []byte("<html")):
		return valueFromHTML(trimmed)
	}

	v := string(trimmed)
	if v == "" {
		return "", ErrNoValue
	}
	return v, nil
}

func valueFromJSON(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode oracle json: %w", err)
	}
	for _, key := range []string{"value", "result"} {
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v), nil
		case json.Number:
			return v.String(), nil
		case bool:
			return fmt.Sprint(v), nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
	}
	return "", ErrNoValue
}

func valueFromHTML(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	if content, ok := doc.Find(`meta[name="oracle-value"]`).First().Attr("content"); ok {
		if v := strings.TrimSpace(content); v != "" {
			return v, nil
		}
	}

	sel := doc.Find("[data-oracle-value]").First()
	if sel.Length() > 0 {
		if attr, _ := sel.Attr("data-oracle-value"); strings.TrimSpace(attr) != "" {
			return strings.TrimSpace(attr), nil
		}
		if v := strings.TrimSpace(sel.Text()); v != "" {
			return v, nil
		}
	}
	return "", ErrNoValue
}
