package vision

import (
	"context"

	"convai/log"
	"convai/screen"
)

const (
	ToolName = "SeeImage"

	NoImageMessage = "No image is currently available. Please start screen sharing first."
	ApologyMessage = "Sorry, I couldn't analyze the image at this moment. Please try again."
)

type describer interface {
	Describe(ctx context.Context, img *screen.CapturedImage, prompt string) (string, error)
}

// SeeImage is the client tool the agent calls to look at the shared screen.
// The image is read at call time, never cached.
type SeeImage struct {
	latest func() *screen.CapturedImage
	client describer
}

// NewSeeImage accepts a nil client; every call with an image then apologizes.
func NewSeeImage(latest func() *screen.CapturedImage, client *Client) *SeeImage {
	s := &SeeImage{latest: latest}
	if client != nil {
		s.client = client
	}
	return s
}

func (s *SeeImage) Name() string { return ToolName }

// Invoke always yields a speakable string. Inference failures are logged and
// answered with the apology rather than surfaced as a tool error.
func (s *SeeImage) Invoke(ctx context.Context, params map[string]any) (string, error) {
	prompt, _ := params["image_prompt"].(string)

	img := s.latest()
	if img == nil {
		return NoImageMessage, nil
	}

	if s.client == nil {
		log.Warn("see image: no vision client configured")
		return ApologyMessage, nil
	}
	answer, err := s.client.Describe(ctx, img, prompt)
	if err != nil {
		log.Errorf("see image: %v", err)
		return ApologyMessage, nil
	}
	return answer, nil
}
