package mealstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Analyzer is the external multimodal inference collaborator. Every
// failure mode (transport error, bad status, malformed payload) is
// collapsed into an error matching ErrAnalysisFailed; callers never branch
// on the cause.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, image []byte, comment string) (*Analysis, error)
	AnalyzeBeforeAfter(ctx context.Context, before, after []byte, comment string) (*Analysis, error)
	AnalyzeText(ctx context.Context, comment string) (*Analysis, error)
	CorrectAnalysis(ctx context.Context, current *Analysis, comment string, image []byte) (*Analysis, error)
}

type AnalyzerTokenProvider func(ctx context.Context) (string, error)

type HTTPAnalyzerOptions struct {
	BaseURL       string
	TokenProvider AnalyzerTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPAnalyzer talks to the inference API over HTTP, retrying transient
// failures with capped exponential backoff and honoring Retry-After.
// Images travel base64-inlined in the JSON body.
type HTTPAnalyzer struct {
	baseURL       string
	tokenProvider AnalyzerTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPAnalyzer(opts HTTPAnalyzerOptions) *HTTPAnalyzer {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-side timeout beyond the transport's: an inference
		// call may legitimately take a long time.
		httpClient = &http.Client{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPAnalyzer{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

type analyzeRequest struct {
	Comment         string    `json:"comment,omitempty"`
	Image           string    `json:"image,omitempty"`
	AfterImage      string    `json:"afterImage,omitempty"`
	CurrentAnalysis *Analysis `json:"currentAnalysis,omitempty"`
}

func (c *HTTPAnalyzer) AnalyzeImage(ctx context.Context, image []byte, comment string) (*Analysis, error) {
	return c.doAnalyze(ctx, "/v1/analysis/image", analyzeRequest{
		Comment: comment,
		Image:   base64.StdEncoding.EncodeToString(image),
	})
}

func (c *HTTPAnalyzer) AnalyzeBeforeAfter(ctx context.Context, before, after []byte, comment string) (*Analysis, error) {
	return c.doAnalyze(ctx, "/v1/analysis/before-after", analyzeRequest{
		Comment:    comment,
		Image:      base64.StdEncoding.EncodeToString(before),
		AfterImage: base64.StdEncoding.EncodeToString(after),
	})
}

func (c *HTTPAnalyzer) AnalyzeText(ctx context.Context, comment string) (*Analysis, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, fmt.Errorf("%w: text analysis needs a comment", ErrAnalysisFailed)
	}
	return c.doAnalyze(ctx, "/v1/analysis/text", analyzeRequest{Comment: comment})
}

func (c *HTTPAnalyzer) CorrectAnalysis(ctx context.Context, current *Analysis, comment string, image []byte) (*Analysis, error) {
	req := analyzeRequest{Comment: comment, CurrentAnalysis: current}
	if len(image) > 0 {
		req.Image = base64.StdEncoding.EncodeToString(image)
	}
	return c.doAnalyze(ctx, "/v1/analysis/correction", req)
}

func (c *HTTPAnalyzer) doAnalyze(ctx context.Context, path string, payload analyzeRequest) (*Analysis, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: analyzer is not configured", ErrAnalysisFailed)
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}
	var token string
	if c.tokenProvider != nil {
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, waitErr)
				}
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return parseAnalysisResponse(respBody)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, waitErr)
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
				message = m
			}
		}
		return nil, fmt.Errorf("%w: status=%d message=%s", ErrAnalysisFailed, resp.StatusCode, message)
	}
}

// parseAnalysisResponse schema-checks the raw body before unmarshalling so
// a structurally wrong payload surfaces as an analysis failure rather than
// a half-filled struct.
func parseAnalysisResponse(body []byte) (*Analysis, error) {
	if err := ValidateAnalysisPayload(body); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrAnalysisFailed, err)
	}
	var analysis Analysis
	if err := json.Unmarshal(body, &analysis); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}
	return &analysis, nil
}

func (c *HTTPAnalyzer) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
