package coretools

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/harun/runloop/pkg/toolexecutor"
)

type rateInput struct {
	Amount float64 `json:"amount"`
	From   string  `json:"from"`
	To     string  `json:"to"`
}

type rateOutput struct {
	Amount    float64 `json:"amount"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Rate      float64 `json:"rate"`
	Converted float64 `json:"converted"`
	Source    string  `json:"source"`
}

func normalizeRateInput(in rateInput) rateInput {
	in.From = strings.ToUpper(strings.TrimSpace(in.From))
	in.To = strings.ToUpper(strings.TrimSpace(in.To))
	if in.Amount == 0 {
		in.Amount = 1
	}
	return in
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// fetchRate queries an open.er-api.com compatible endpoint: GET <base>/<FROM>
// returning {"result":"success","rates":{"EUR":0.92,...}}.
func fetchRate(opts Options) func(ctx context.Context, in rateInput) (rateOutput, error) {
	client := opts.httpClient()
	base := strings.TrimRight(opts.RateAPIURL, "/")
	return func(ctx context.Context, in rateInput) (rateOutput, error) {
		in = normalizeRateInput(in)
		if base == "" {
			return rateOutput{}, fmt.Errorf("rate API URL is not configured")
		}
		target := base + "/" + in.From

		_, body, _, err := get(ctx, client, target, 1<<20)
		if err != nil {
			return rateOutput{}, err
		}
		doc := string(body)
		if !gjson.Valid(doc) {
			return rateOutput{}, fmt.Errorf("rate API returned invalid JSON")
		}
		if result := gjson.Get(doc, "result").String(); result != "" && result != "success" {
			return rateOutput{}, fmt.Errorf("rate API error: %s", gjson.Get(doc, "error-type").String())
		}
		rate := gjson.Get(doc, "rates."+in.To)
		if !rate.Exists() {
			return rateOutput{}, fmt.Errorf("no rate from %s to %s", in.From, in.To)
		}

		return rateOutput{
			Amount:    in.Amount,
			From:      in.From,
			To:        in.To,
			Rate:      rate.Float(),
			Converted: round(in.Amount*rate.Float(), 4),
			Source:    target,
		}, nil
	}
}

func mockFetchRate(_ context.Context, in rateInput) (rateOutput, error) {
	in = normalizeRateInput(in)
	rate := 1.0
	if in.From != in.To {
		rate = 0.5
	}
	return rateOutput{
		Amount:    in.Amount,
		From:      in.From,
		To:        in.To,
		Rate:      rate,
		Converted: round(in.Amount*rate, 4),
		Source:    "mock",
	}, nil
}

func fetchRateTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "fetch_rate",
			Version:     toolVersion,
			Description: "Convert an amount between two ISO 4217 currencies using live exchange rates.",
			Tags:        []string{"network", "finance"},
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"from", "to"},
				"properties": map[string]interface{}{
					"amount": map[string]interface{}{"type": "number", "minimum": 0, "default": 1},
					"from":   map[string]interface{}{"type": "string", "pattern": "^[A-Za-z]{3}$"},
					"to":     map[string]interface{}{"type": "string", "pattern": "^[A-Za-z]{3}$"},
				},
			},
			Permissions:        []string{"network"},
			SideEffects:        []toolexecutor.SideEffect{toolexecutor.SideEffectNetworkHTTP},
			RateLimitPerMinute: 30,
		},
		Handler: toolexecutor.Typed(fetchRate(opts)),
		Mock:    toolexecutor.Typed(mockFetchRate),
	}
}
