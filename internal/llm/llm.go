package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/avklimov/boardprep/internal/model"
	"github.com/avklimov/boardprep/internal/llm/prompts"

	openai "github.com/sashabaranov/go-openai"
)

// MaxQuestions bounds a single generation request.
const MaxQuestions = 10

// Client wraps an OpenAI-compatible API client for question generation,
// answer scoring, and audio transcription. One call per action, no retries.
type Client struct {
	api             *openai.Client
	genModel        string
	gradeModel      string
	transcribeModel string
}

// New creates a new LLM client.
func New(baseURL, apiKey, genModel, gradeModel, transcribeModel string) (*Client, error) {
	if err := prompts.Load(prompts.FS); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:             openai.NewClientWithConfig(config),
		genModel:        genModel,
		gradeModel:      gradeModel,
		transcribeModel: transcribeModel,
	}, nil
}

// Ping verifies the endpoint is reachable before serving traffic.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// GenerateQuestions asks the model for count (topic, question, answer_key)
// triples grounded in docText, steering away from excludedTopics. Entries
// missing a question or answer key are dropped; at most count survive.
func (c *Client) GenerateQuestions(ctx context.Context, docText string, count int, excludedTopics []string) ([]model.Question, error) {
	if strings.TrimSpace(docText) == "" {
		return nil, model.ErrEmptyDocument
	}
	if count < 1 || count > MaxQuestions {
		return nil, fmt.Errorf("question count %d outside 1..%d", count, MaxQuestions)
	}

	prompt, err := prompts.BuildGenerate(prompts.GenerateData{
		Count:          count,
		ExcludedTopics: excludedTopics,
		DocumentText:   docText,
	})
	if err != nil {
		return nil, fmt.Errorf("build generation prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.genModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.8,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generation call: %v", model.ErrService, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: generation returned no choices", model.ErrService)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("generation response", "raw_len", len(raw))

	questions, err := parseQuestionList(raw)
	if err != nil {
		return nil, err
	}
	if len(questions) > count {
		questions = questions[:count]
	}
	return questions, nil
}

// ScoreAnswers sends all (question, expected, response) triples in one batched
// request and returns one evaluation per question. The length check runs
// before any network call; a response of the wrong length is a parse error,
// never silently zipped.
func (c *Client) ScoreAnswers(ctx context.Context, questions []model.Question, answers []string) ([]model.Evaluation, error) {
	if len(questions) == 0 {
		return nil, model.ErrNothingToEvaluate
	}
	if len(questions) != len(answers) {
		return nil, fmt.Errorf("%d questions, %d answers: %w", len(questions), len(answers), model.ErrLengthMismatch)
	}

	prompt, err := prompts.BuildGrade(questions, answers)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.gradeModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: grading call: %v", model.ErrService, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: grading returned no choices", model.ErrService)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("grading response", "raw_len", len(raw))

	return parseEvaluationList(raw, len(questions))
}

// Transcribe converts an audio payload to text.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, mimeType string) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcribeModel,
		Reader:   audio,
		FilePath: filenameForMimeType(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: transcription call: %v", model.ErrService, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// filenameForMimeType maps an audio MIME type to a filename the transcription
// API recognizes; the API infers the container format from the extension.
func filenameForMimeType(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "audio/flac":
		return "audio.flac"
	case "audio/m4a", "audio/mp4", "audio/x-m4a":
		return "audio.m4a"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/ogg", "audio/opus":
		return "audio.ogg"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "audio/webm":
		return "audio.webm"
	default:
		return "audio.wav"
	}
}
