package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/docvqa/internal/domain"
	"github.com/timmy/docvqa/internal/prompts"
)

// Inference is the external model endpoint boundary. The worker depends on
// this interface so tests can substitute a fake.
type Inference interface {
	Ask(ctx context.Context, endpointID string, imageData []byte, format, question string) (*Prediction, error)
}

// Prediction is the tagged parse result of a model response: either the
// structured {answer, bbox} form or a plain-text answer, never both shapes
// at once. Box is nil when the model returned no usable region.
type Prediction struct {
	Answer     string
	Box        *domain.BoundingBox
	Structured bool
	Raw        string
}

// InferenceConfig holds configuration for the inference endpoint client.
type InferenceConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
}

// InferenceService calls an OpenAI-compatible chat-completions endpoint with
// a document image and a question.
type InferenceService struct {
	client    *resty.Client
	endpoint  string
	maxTokens int
}

// NewInferenceService creates a new inference endpoint client.
func NewInferenceService(cfg *InferenceConfig) *InferenceService {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	client.SetTimeout(timeout)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 300
	}

	return &InferenceService{
		client:    client,
		endpoint:  baseURL + "/chat/completions",
		maxTokens: maxTokens,
	}
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string for system, []interface{} for user with images
}

type chatTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatImageContent struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Ask sends one question about one document image to the given model
// endpoint and parses the response into a Prediction. An empty response body
// is treated as "no answer", not an error.
func (s *InferenceService) Ask(ctx context.Context, endpointID string, imageData []byte, format, question string) (*Prediction, error) {
	mimeType := getMIMEType(format)
	base64Image := base64.StdEncoding.EncodeToString(imageData)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64Image)

	req := chatRequest{
		Model: endpointID,
		Messages: []chatMessage{
			{
				Role:    "system",
				Content: prompts.VQASystemPrompt,
			},
			{
				Role: "user",
				Content: []interface{}{
					chatTextContent{
						Type: "text",
						Text: prompts.VQAUserPromptPrefix + question,
					},
					chatImageContent{
						Type: "image_url",
						ImageURL: chatImageURL{
							URL:    dataURL,
							Detail: "auto",
						},
					},
				},
			},
		},
		MaxTokens: s.maxTokens,
	}

	var resp chatResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(s.endpoint)

	if err != nil {
		return nil, fmt.Errorf("failed to call inference endpoint: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		errorMsg := fmt.Sprintf("HTTP %d", httpResp.StatusCode())
		if resp.Error != nil {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		} else {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
		}
		return nil, fmt.Errorf("inference endpoint returned error: %s", errorMsg)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("inference endpoint error: %s", resp.Error.Message)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in inference response (status: %d)", httpResp.StatusCode())
	}

	return ParsePrediction(resp.Choices[0].Message.Content), nil
}

// structuredAnswer is the JSON contract models are prompted to honor.
type structuredAnswer struct {
	Answer string     `json:"answer"`
	BBox   *[]float64 `json:"bbox,omitempty"`
}

// boxLiteralRe matches a [x0, y0, x1, y1] literal embedded in free text.
var boxLiteralRe = regexp.MustCompile(`\[\s*-?\d+(?:\.\d+)?\s*,\s*-?\d+(?:\.\d+)?\s*,\s*-?\d+(?:\.\d+)?\s*,\s*-?\d+(?:\.\d+)?\s*\]`)

// ParsePrediction converts raw model output into a tagged Prediction.
// A structured JSON parse is attempted first (with markdown fences
// stripped); then an embedded box literal is looked for in free text; the
// final fallback treats the whole text as the answer.
func ParsePrediction(text string) *Prediction {
	raw := text
	text = strings.TrimSpace(text)
	text = stripCodeFence(text)

	if text == "" {
		return &Prediction{Raw: raw}
	}

	var structured structuredAnswer
	if err := json.Unmarshal([]byte(text), &structured); err == nil && structured.Answer != "" {
		pred := &Prediction{
			Answer:     structured.Answer,
			Structured: true,
			Raw:        raw,
		}
		if structured.BBox != nil && len(*structured.BBox) == 4 {
			box := domain.BoundingBox{(*structured.BBox)[0], (*structured.BBox)[1], (*structured.BBox)[2], (*structured.BBox)[3]}
			pred.Box = &box
		}
		return pred
	}

	if loc := boxLiteralRe.FindStringIndex(text); loc != nil {
		if box, ok := parseBoxLiteral(text[loc[0]:loc[1]]); ok {
			answer := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
			answer = strings.Trim(answer, " :,.")
			return &Prediction{Answer: answer, Box: &box, Raw: raw}
		}
	}

	return &Prediction{Answer: text, Raw: raw}
}

func parseBoxLiteral(literal string) (domain.BoundingBox, bool) {
	inner := strings.Trim(literal, "[]")
	parts := strings.Split(inner, ",")
	if len(parts) != 4 {
		return domain.BoundingBox{}, false
	}
	var box domain.BoundingBox
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.BoundingBox{}, false
		}
		box[i] = v
	}
	return box, true
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func getMIMEType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
