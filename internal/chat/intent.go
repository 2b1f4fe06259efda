package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	imageSystemPrompt = "You are an AI that generates images. Respond with a detailed description of the image that was requested."

	imageUnavailable = "I understand you want to generate an image. However, direct image generation through OpenRouter is not currently available."
	imageServices    = "For actual image generation, you would need to use a dedicated image generation service like DALL-E, Midjourney, or Stable Diffusion."
	imageFailed      = "Sorry, image generation failed: %s. Please try again or use a different model."
)

// IsImageModel reports whether model is an image generation model.
func IsImageModel(model string) bool {
	return strings.Contains(model, "image")
}

// DescribeImage asks the model to describe the requested image and wraps
// the answer in an explanation that images cannot be generated here.
func (s *Service) DescribeImage(ctx context.Context, turn *Turn) string {
	description, err := s.completer.Complete(ctx, turn.Model, imageSystemPrompt, "Generate an image: "+turn.Message)
	if err != nil {
		s.logger.Error("Image generation request failed",
			zap.String("conversation_id", turn.ConversationID),
			zap.String("model", turn.Model),
			zap.Error(err))
		return fmt.Sprintf(imageFailed, err.Error())
	}

	description = strings.TrimSpace(description)
	if description == "" {
		return imageUnavailable + "\n\n" + imageServices
	}
	return imageUnavailable + " The model responded with: " + description + "\n\n" + imageServices
}
