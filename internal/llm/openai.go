package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient calls the OpenAI Chat Completions API.
type OpenAIClient struct {
	model  openai.ChatModel
	client *openai.Client
}

const (
	defaultChatTimeout     = 30 * time.Second
	defaultChatTemperature = 0.2

	// Longer documents are cut before being sent; the lead carries the gist.
	maxPromptRunes = 12000
)

var numberedPoint = regexp.MustCompile(`^\d+[.)]\s+`)

// NewOpenAIClient builds a client with defaults against api.openai.com.
// Extra request options (base URL, retries) are passed through to the SDK.
func NewOpenAIClient(apiKey string, model openai.ChatModel, opts ...option.RequestOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAIClient{
		model:  model,
		client: &cli,
	}, nil
}

func (c *OpenAIClient) Summarize(ctx context.Context, text string) (string, []string, error) {
	if c == nil || c.client == nil {
		return "", nil, fmt.Errorf("nil openai client")
	}
	reqCtx, cancel := context.WithTimeout(ctx, defaultChatTimeout)
	defer cancel()
	messages := buildMessages(
		"You summarize knowledge-base documents. First write a summary of at most three sentences, then list up to five key points as bullet points (using - or *).",
		truncateRunes(text, maxPromptRunes),
	)
	resp, err := c.client.Chat.Completions.New(reqCtx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(defaultChatTemperature),
	})
	if err != nil {
		return "", nil, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", nil, fmt.Errorf("openai: no choices returned")
	}
	summary, points := extractSummary(resp.Choices[0].Message.Content)
	return summary, points, nil
}

func buildMessages(system, user string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(system),
				},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfString: openai.String(user),
				},
			},
		},
	}
}

// extractSummary splits the model response into summary and bullet points.
// Bullets may be "-", "*" or "1." style; a "Summary:" label is dropped.
func extractSummary(content string) (string, []string) {
	var points, summaryLines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "-"), strings.HasPrefix(trimmed, "*"):
			points = append(points, strings.TrimLeft(trimmed, "-* "))
		case numberedPoint.MatchString(trimmed):
			points = append(points, numberedPoint.ReplaceAllString(trimmed, ""))
		default:
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "Summary:"))
			if trimmed != "" && !strings.EqualFold(strings.TrimSuffix(trimmed, ":"), "key points") {
				summaryLines = append(summaryLines, trimmed)
			}
		}
	}
	return strings.Join(summaryLines, " "), points
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
