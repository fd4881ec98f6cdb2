package coretools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/harun/runloop/pkg/toolexecutor"
)

const (
	userAgent       = "runloop/1.0"
	defaultMaxBytes = 200000
)

type fetchInput struct {
	URL      string `json:"url"`
	MaxBytes int    `json:"max_bytes"`
}

type fetchOutput struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated"`
}

func parseHTTPURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q: must be an absolute http(s) URL", raw)
	}
	return parsed, nil
}

// get performs a GET and returns the body capped at maxBytes.
func get(ctx context.Context, client *http.Client, target string, maxBytes int) (*http.Response, []byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	toolexecutor.Logf(ctx, "GET %s", target)
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	toolexecutor.Logf(ctx, "status %d", resp.StatusCode)

	if resp.StatusCode >= 400 {
		return resp, nil, false, fmt.Errorf("received status code %d from %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return resp, nil, false, fmt.Errorf("failed to read body: %w", err)
	}
	truncated := len(body) > maxBytes
	if truncated {
		body = body[:maxBytes]
	}
	return resp, body, truncated, nil
}

func fetchURL(opts Options) func(ctx context.Context, in fetchInput) (fetchOutput, error) {
	client := opts.httpClient()
	return func(ctx context.Context, in fetchInput) (fetchOutput, error) {
		parsed, err := parseHTTPURL(in.URL)
		if err != nil {
			return fetchOutput{}, err
		}
		maxBytes := in.MaxBytes
		if maxBytes <= 0 {
			maxBytes = defaultMaxBytes
		}

		resp, body, truncated, err := get(ctx, client, parsed.String(), maxBytes)
		if err != nil {
			return fetchOutput{}, err
		}

		out := fetchOutput{
			URL:         parsed.String(),
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Content:     string(body),
			Truncated:   truncated,
		}
		if strings.Contains(out.ContentType, "html") {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(out.Content))
			if err != nil {
				return fetchOutput{}, fmt.Errorf("failed to parse HTML: %w", err)
			}
			doc.Find("script, style, noscript").Remove()
			out.Title = strings.TrimSpace(doc.Find("title").First().Text())
			out.Content = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
		}
		return out, nil
	}
}

func mockFetchURL(_ context.Context, in fetchInput) (fetchOutput, error) {
	parsed, err := parseHTTPURL(in.URL)
	if err != nil {
		return fetchOutput{}, err
	}
	return fetchOutput{
		URL:         parsed.String(),
		StatusCode:  http.StatusOK,
		ContentType: "text/plain",
		Content:     "mock content for " + parsed.String(),
	}, nil
}

func fetchURLTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "fetch_url",
			Version:     toolVersion,
			Description: "Download a web page or file over HTTP(S). HTML is reduced to its visible text.",
			Tags:        []string{"network"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "url", Type: "string", Description: "Absolute http(s) URL", Required: true},
				toolexecutor.Param{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read", Default: defaultMaxBytes},
			),
			Permissions:        []string{"network"},
			SideEffects:        []toolexecutor.SideEffect{toolexecutor.SideEffectNetworkHTTP},
			RateLimitPerMinute: 60,
		},
		Handler: toolexecutor.Typed(fetchURL(opts)),
		Mock:    toolexecutor.Typed(mockFetchURL),
	}
}
