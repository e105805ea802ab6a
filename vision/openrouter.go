// Package vision answers questions about screen snapshots through an
// OpenRouter chat-completions model.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"convai/internal/nettrace"
	"convai/log"
	"convai/screen"
)

const (
	DefaultURL   = "https://openrouter.ai/api/v1/chat/completions"
	DefaultModel = "mistralai/mistral-small-3.2-24b-instruct:free"

	// promptPrefix is joined to the agent's question without a separator.
	promptPrefix = "This is the instruction for you on the image, please directly answer the question."
)

// InferenceError covers every way a describe call can fail: transport,
// status, decode or an empty answer.
type InferenceError struct {
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *InferenceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("openrouter API error %d: %v", e.StatusCode, e.Err)
	}
	return "openrouter: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error { return e.Err }

type Client struct {
	http   *nettrace.Client
	apiURL string
	apiKey string
	model  string
}

func NewClient(apiKey string) *Client {
	return &Client{
		http:   nettrace.New(60 * time.Second),
		apiURL: DefaultURL,
		apiKey: apiKey,
		model:  DefaultModel,
	}
}

// WithEndpoint points the client at another URL and HTTP client.
func (c *Client) WithEndpoint(url string, hc *http.Client) *Client {
	c.apiURL = url
	c.http = nettrace.Wrap(hc)
	return c
}

func (c *Client) Model() string { return c.model }

func (c *Client) HasKey() bool { return c.apiKey != "" }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) buildRequest(img *screen.CapturedImage, prompt string) chatRequest {
	return chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: promptPrefix + prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: img.DataURI()}},
			},
		}},
	}
}

// Describe sends one image and question and returns the model's answer.
func (c *Client) Describe(ctx context.Context, img *screen.CapturedImage, prompt string) (string, error) {
	payload, err := json.Marshal(c.buildRequest(img, prompt))
	if err != nil {
		return "", &InferenceError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", &InferenceError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &InferenceError{Err: err}
	}

	if !resp.OK() {
		log.Request("openrouter", resp.StatusCode, resp.Metrics.Log())
		return "", &InferenceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(resp.Body))}
	}

	var cr chatResponse
	if err := json.Unmarshal(resp.Body, &cr); err != nil {
		return "", &InferenceError{Err: fmt.Errorf("response parse error: %w", err)}
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return "", &InferenceError{Err: fmt.Errorf("no content in response")}
	}

	answer := cr.Choices[0].Message.Content
	log.VisionCall(c.model, prompt, img.SizeKB(), len(answer), resp.Metrics.Log())
	return answer, nil
}
