package coretools

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/harun/runloop/pkg/toolexecutor"
)

type searchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type searchOutput struct {
	Query   string         `json:"query"`
	Results []searchResult `json:"results"`
}

// resolveResultURL unwraps DuckDuckGo redirect links (/l/?uddg=<target>).
func resolveResultURL(base *url.URL, href string) string {
	link, err := base.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if target := link.Query().Get("uddg"); target != "" {
		return target
	}
	return link.String()
}

// webSearch scrapes a DuckDuckGo HTML results page.
func webSearch(opts Options) func(ctx context.Context, in searchInput) (searchOutput, error) {
	client := opts.httpClient()
	return func(ctx context.Context, in searchInput) (searchOutput, error) {
		base, err := parseHTTPURL(opts.SearchURL)
		if err != nil {
			return searchOutput{}, fmt.Errorf("search URL is not configured: %w", err)
		}
		limit := in.Limit
		if limit <= 0 || limit > 20 {
			limit = 5
		}

		target := *base
		q := target.Query()
		q.Set("q", in.Query)
		target.RawQuery = q.Encode()

		_, body, _, err := get(ctx, client, target.String(), 2<<20)
		if err != nil {
			return searchOutput{}, err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
		if err != nil {
			return searchOutput{}, fmt.Errorf("failed to parse HTML: %w", err)
		}

		out := searchOutput{Query: in.Query, Results: []searchResult{}}
		doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if len(out.Results) >= limit {
				return false
			}
			a := s.Find("a.result__a").First()
			href, ok := a.Attr("href")
			if !ok {
				return true
			}
			link := resolveResultURL(base, href)
			if link == "" {
				return true
			}
			out.Results = append(out.Results, searchResult{
				Title:   strings.TrimSpace(a.Text()),
				URL:     link,
				Snippet: strings.Join(strings.Fields(s.Find(".result__snippet").Text()), " "),
			})
			return true
		})
		toolexecutor.Logf(ctx, "%d results", len(out.Results))
		return out, nil
	}
}

func mockWebSearch(_ context.Context, in searchInput) (searchOutput, error) {
	return searchOutput{
		Query: in.Query,
		Results: []searchResult{{
			Title:   "Mock result for " + in.Query,
			URL:     "https://example.com/search?q=" + url.QueryEscape(in.Query),
			Snippet: "Deterministic mock search result.",
		}},
	}, nil
}

func webSearchTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "web_search",
			Version:     toolVersion,
			Description: "Search the web and return result titles, links and snippets.",
			Tags:        []string{"network", "search"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "query", Type: "string", Description: "Search query", Required: true},
				toolexecutor.Param{Name: "limit", Type: "integer", Description: "Maximum results (1-20)", Default: 5},
			),
			Permissions:        []string{"network"},
			SideEffects:        []toolexecutor.SideEffect{toolexecutor.SideEffectNetworkHTTP},
			RateLimitPerMinute: 20,
		},
		Handler: toolexecutor.Typed(webSearch(opts)),
		Mock:    toolexecutor.Typed(mockWebSearch),
	}
}
