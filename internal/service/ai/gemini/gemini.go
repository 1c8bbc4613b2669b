// Package gemini implements the eino chat model interface for the Google
// Gemini API.
//
// It wraps the google.golang.org/genai SDK, translating eino schema messages
// into genai contents. Assistant messages map to the Gemini "model" role and
// system messages are folded into the request's system instruction.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.0-flash"

// ErrNoCandidates is returned when the API answers without any candidate.
var ErrNoCandidates = errors.New("gemini: response has no candidates")

// contentGenerator is the subset of *genai.Models the chat model calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Interface compliance check.
var _ model.BaseChatModel = (*ChatModel)(nil)

// ChatModel implements [model.BaseChatModel] on top of the Gemini API.
type ChatModel struct {
	models      contentGenerator
	model       string
	temperature *float32
	topP        *float32
	maxTokens   int32
}

// Option configures a [ChatModel].
type Option func(*ChatModel)

// WithModel sets the model ID. Default is gemini-2.0-flash.
func WithModel(name string) Option {
	return func(c *ChatModel) {
		if name != "" {
			c.model = name
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(v float32) Option {
	return func(c *ChatModel) { c.temperature = &v }
}

// WithTopP sets nucleus sampling.
func WithTopP(v float32) Option {
	return func(c *ChatModel) { c.topP = &v }
}

// WithMaxTokens caps the generated output. Values outside 1..MaxInt32 are
// ignored.
func WithMaxTokens(n int) Option {
	return func(c *ChatModel) {
		if n > 0 && n <= math.MaxInt32 {
			c.maxTokens = int32(n)
		}
	}
}

// New creates a Gemini [ChatModel] with the given API key and options.
func New(ctx context.Context, apiKey string, opts ...Option) (*ChatModel, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return newChatModel(gc.Models, opts...), nil
}

func newChatModel(models contentGenerator, opts ...Option) *ChatModel {
	c := &ChatModel{
		models: models,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Generate issues one GenerateContent request for the whole input.
func (c *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	name, config := c.buildRequest(input, opts)
	contents, _ := ConvertMessages(input)

	resp, err := c.models.GenerateContent(ctx, name, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: blocked (%s)", ErrNoCandidates, resp.PromptFeedback.BlockReason)
		}
		return nil, ErrNoCandidates
	}

	return schema.AssistantMessage(ResponseText(resp), nil), nil
}

// Stream issues one GenerateContentStream request and forwards each text chunk
// as an assistant message.
func (c *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	name, config := c.buildRequest(input, opts)
	contents, _ := ConvertMessages(input)

	seq := c.models.GenerateContentStream(ctx, name, contents, config)
	sr, sw := schema.Pipe[*schema.Message](1)

	go func() {
		defer sw.Close()
		for resp, err := range seq {
			if err != nil {
				sw.Send(nil, fmt.Errorf("gemini: %w", err))
				return
			}
			text := ResponseText(resp)
			if text == "" {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(text, nil), nil); closed {
				return
			}
		}
	}()

	return sr, nil
}

func (c *ChatModel) buildRequest(input []*schema.Message, opts []model.Option) (string, *genai.GenerateContentConfig) {
	var maxTokens *int
	if c.maxTokens > 0 {
		n := int(c.maxTokens)
		maxTokens = &n
	}
	name := c.model
	common := model.GetCommonOptions(&model.Options{
		Model:       &name,
		Temperature: c.temperature,
		TopP:        c.topP,
		MaxTokens:   maxTokens,
	}, opts...)

	config := &genai.GenerateContentConfig{
		Temperature: common.Temperature,
		TopP:        common.TopP,
	}
	if common.MaxTokens != nil {
		config.MaxOutputTokens = int32(*common.MaxTokens)
	}
	if len(common.Stop) > 0 {
		config.StopSequences = common.Stop
	}
	if _, system := ConvertMessages(input); system != nil {
		config.SystemInstruction = system
	}

	if common.Model != nil && *common.Model != "" {
		name = *common.Model
	}
	return name, config
}

// ConvertMessages converts eino messages to genai contents. System messages
// are returned separately as a system instruction, nil when there are none.
// Tool messages have no counterpart in a plain chat and are skipped.
func ConvertMessages(msgs []*schema.Message) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   *genai.Content
	)
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: msg.Content})
		case schema.User:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case schema.Assistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return contents, system
}

// ResponseText concatenates the text parts of the first candidate, skipping
// thought summaries.
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String()
}
