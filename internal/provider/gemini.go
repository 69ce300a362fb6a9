package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/salonlens/tryon-core/internal/config"
	"github.com/sirupsen/logrus"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiClient calls the Gemini generateContent endpoint with an image plus
// a style instruction and returns the generated image bytes.
type GeminiClient struct {
	httpClient *http.Client
	cfg        *config.Config
	log        *logrus.Entry
}

type loggingTransport struct {
	log *logrus.Entry
}

func NewGeminiClient(logger *logrus.Logger, cfg *config.Config) *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{
			Timeout:   cfg.GeminiTimeout,
			Transport: &loggingTransport{log: logger.WithField("component", "gemini_transport")},
		},
		cfg: cfg,
		log: logger.WithField("component", "gemini_client"),
	}
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		ResponseModalities []string `json:"responseModalities"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (c *GeminiClient) Generate(ctx context.Context, image []byte, mimeType, instruction string) ([]byte, error) {
	start := time.Now()
	log := c.log.WithFields(logrus.Fields{
		"operation": "generate",
		"model":     c.cfg.GeminiModel,
	})

	reqBody := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: instruction},
				{InlineData: &geminiInlineData{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
	}
	reqBody.GenerationConfig.ResponseModalities = []string{"IMAGE", "TEXT"}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("request encoding failed: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent", geminiBaseURL, c.cfg.GeminiModel)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.GeminiAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("Generation request failed")
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("response read failed: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		log.Warn("Provider rate limited")
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		log.WithField("status_code", resp.StatusCode).Error("Generation failed")
		return nil, fmt.Errorf("generation failed with status %d", resp.StatusCode)
	}

	var decoded geminiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("response decoding failed: %w", err)
	}

	if decoded.PromptFeedback.BlockReason != "" {
		log.WithField("block_reason", decoded.PromptFeedback.BlockReason).Warn("Prompt blocked")
		return nil, fmt.Errorf("%w: %s", ErrContentRejected, decoded.PromptFeedback.BlockReason)
	}
	if len(decoded.Candidates) == 0 {
		return nil, fmt.Errorf("generation returned no candidates")
	}

	candidate := decoded.Candidates[0]
	if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "PROHIBITED_CONTENT" {
		log.WithField("finish_reason", candidate.FinishReason).Warn("Generation blocked")
		return nil, fmt.Errorf("%w: %s", ErrContentRejected, candidate.FinishReason)
	}

	for _, part := range candidate.Content.Parts {
		if part.InlineData == nil {
			continue
		}
		out, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("image decoding failed: %w", err)
		}
		log.WithFields(logrus.Fields{
			"duration": time.Since(start),
			"bytes":    len(out),
		}).Debug("Generation completed")
		return out, nil
	}

	return nil, fmt.Errorf("generation returned no image")
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.Path,
	})

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		log.WithError(err).Error("HTTP request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("HTTP request completed")
	return resp, nil
}
