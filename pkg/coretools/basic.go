package coretools

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/harun/runloop/pkg/toolexecutor"
)

type echoInput struct {
	Text string `json:"text"`
}

type echoOutput struct {
	Text string `json:"text"`
}

func echo(_ context.Context, in echoInput) (echoOutput, error) {
	return echoOutput{Text: in.Text}, nil
}

func echoTool() toolexecutor.Tool {
	handler := toolexecutor.Typed(echo)
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "echo",
			Version:     toolVersion,
			Description: "Return the given text unchanged.",
			Tags:        []string{"pure", "text"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			),
			OutputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "text", Type: "string", Required: true},
			),
		},
		Handler: handler,
		Mock:    handler,
	}
}

type jsonQueryInput struct {
	JSON string `json:"json"`
	Path string `json:"path"`
}

type jsonQueryOutput struct {
	Path  string      `json:"path"`
	Found bool        `json:"found"`
	Value interface{} `json:"value"`
	Type  string      `json:"type"`
}

func jsonQuery(_ context.Context, in jsonQueryInput) (jsonQueryOutput, error) {
	if !gjson.Valid(in.JSON) {
		return jsonQueryOutput{}, errors.New("json is not valid JSON")
	}
	res := gjson.Get(in.JSON, in.Path)
	return jsonQueryOutput{
		Path:  in.Path,
		Found: res.Exists(),
		Value: res.Value(),
		Type:  res.Type.String(),
	}, nil
}

func jsonQueryTool() toolexecutor.Tool {
	handler := toolexecutor.Typed(jsonQuery)
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "json_query",
			Version:     toolVersion,
			Description: "Extract a value from a JSON document with a gjson path such as \"items.#.name\".",
			Tags:        []string{"pure", "json"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "json", Type: "string", Description: "JSON document", Required: true},
				toolexecutor.Param{Name: "path", Type: "string", Description: "gjson path", Required: true},
			),
		},
		Handler: handler,
		Mock:    handler,
	}
}

type replyInput struct {
	Text string `json:"text"`
}

// ReplyOutput is the final answer shown to the user.
type ReplyOutput struct {
	Text string `json:"text"`
}

func (o ReplyOutput) DisplayText() string { return o.Text }

func reply(_ context.Context, in replyInput) (ReplyOutput, error) {
	if in.Text == "" {
		return ReplyOutput{}, fmt.Errorf("reply text is empty")
	}
	return ReplyOutput{Text: in.Text}, nil
}

func replyTool() toolexecutor.Tool {
	handler := toolexecutor.Typed(reply)
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "reply",
			Version:     toolVersion,
			Description: "Answer the user directly with text. Ends the run.",
			Tags:        []string{"pure", "final"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "text", Type: "string", Description: "Answer for the user", Required: true},
			),
			TerminatesLoopOn: terminatesOnSuccess,
		},
		Handler: handler,
		Mock:    handler,
	}
}
