package coretools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/runloop/pkg/toolexecutor"
)

// ImageGenerator turns a prompt into a hosted image URL.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OpenAIImages generates images through the OpenAI images endpoint.
type OpenAIImages struct {
	client openai.Client
	model  string
}

// NewOpenAIImages creates an image generator. model defaults to dall-e-3.
func NewOpenAIImages(apiKey, model string) *OpenAIImages {
	if model == "" {
		model = string(openai.ImageModelDallE3)
	}
	return &OpenAIImages{
		client: openai.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(1)),
		model:  model,
	}
}

// Generate requests a single image and returns its URL.
func (g *OpenAIImages) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(g.model),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("image provider returned no image")
	}
	return resp.Data[0].URL, nil
}

type imageInput struct {
	Prompt string `json:"prompt"`
}

type imageOutput struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
}

func (o imageOutput) DisplayText() string {
	return o.URL
}

func (o imageOutput) ToolArtifacts() []toolexecutor.Artifact {
	return []toolexecutor.Artifact{{Name: "image", Href: o.URL}}
}

// classifyImageError marks credential and content-policy rejections terminal;
// retrying either cannot succeed.
func classifyImageError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return toolexecutor.Terminal("image provider rejected credentials", err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "content_policy") {
		return toolexecutor.Terminal("image prompt rejected by content policy", err)
	}
	return fmt.Errorf("image generation failed: %w", err)
}

func generateImage(opts Options) func(ctx context.Context, in imageInput) (imageOutput, error) {
	return func(ctx context.Context, in imageInput) (imageOutput, error) {
		if opts.Images == nil {
			return imageOutput{}, toolexecutor.Terminal("image generation is not configured", nil)
		}
		url, err := opts.Images.Generate(ctx, in.Prompt)
		if err != nil {
			return imageOutput{}, classifyImageError(err)
		}
		toolexecutor.Logf(ctx, "image ready")
		return imageOutput{URL: url, Prompt: in.Prompt}, nil
	}
}

func mockGenerateImage(_ context.Context, in imageInput) (imageOutput, error) {
	return imageOutput{URL: "https://images.example.com/mock.png", Prompt: in.Prompt}, nil
}

func generateImageTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "generate_image",
			Version:     toolVersion,
			Description: "Generate an image from a text prompt and return its URL.",
			Tags:        []string{"generation"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "prompt", Type: "string", Description: "Image description", Required: true},
			),
			Permissions:        []string{"provider:images"},
			SideEffects:        []toolexecutor.SideEffect{toolexecutor.SideEffectGeneration},
			RateLimitPerMinute: 10,
			TerminatesLoopOn:   terminatesOnDisplay,
		},
		Handler: toolexecutor.Typed(generateImage(opts)),
		Mock:    toolexecutor.Typed(mockGenerateImage),
	}
}
