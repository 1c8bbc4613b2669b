package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

// ErrCompletionFailed wraps every failure of the external completion call.
// Network, auth, provider and empty-response errors are not distinguished.
var ErrCompletionFailed = errors.New("completion failed")

// Service maps conversation transcripts onto the configured chat model.
type Service struct {
	cfg   config.AIConfig
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service instance backed by the configured provider.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel compiles the prompt chain around an already constructed
// chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Service, error) {
	templates := make([]schema.MessagesTemplate, 0, 2)
	if cfg.SystemPrompt != "" {
		templates = append(templates, schema.SystemMessage("{system}"))
	}
	templates = append(templates, schema.MessagesPlaceholder("history", true))

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(prompt.FromMessages(schema.FString, templates...))
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		cfg:   cfg,
		chain: runnable,
	}, nil
}

// StreamingEnabled 指示是否开启增量输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Complete sends the whole transcript in one request and returns the model's
// text. When streaming is enabled and onDelta is non-nil, each received chunk
// is passed to onDelta before the full text is returned.
func (s *Service) Complete(ctx context.Context, turns []chat.Turn, onDelta func(string)) (string, error) {
	if s.cfg.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CompletionTimeout)
		defer cancel()
	}

	input := s.buildChainInput(turns)

	var (
		text string
		err  error
	)
	if onDelta != nil && s.StreamingEnabled() {
		text, err = s.stream(ctx, input, onDelta)
	} else {
		text, err = s.generate(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty response", ErrCompletionFailed)
	}

	log.Debug().Str("component", "ai").Int("turns", len(turns)).Int("length", len(text)).Msg("generated response")
	return text, nil
}

func (s *Service) generate(ctx context.Context, input map[string]any) (string, error) {
	resp, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

func (s *Service) stream(ctx context.Context, input map[string]any, onDelta func(string)) (string, error) {
	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", fmt.Errorf("stream recv: %w", recvErr)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			onDelta(chunk.Content)
		}
	}
	if len(chunks) == 0 {
		return "", nil
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("concat chunks: %w", err)
	}
	return merged.Content, nil
}

// buildChainInput fills the prompt template: the transcript becomes the
// history placeholder, the system prompt its own slot.
func (s *Service) buildChainInput(turns []chat.Turn) map[string]any {
	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Text))
		case chat.RoleModel:
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}

	input := map[string]any{"history": history}
	if s.cfg.SystemPrompt != "" {
		input["system"] = s.cfg.SystemPrompt
	}
	return input
}
