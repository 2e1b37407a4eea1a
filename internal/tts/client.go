// Package tts talks to the remote speech provider and orchestrates the
// synthesis of segmented text with key rotation and per-segment caching.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/tts/audio"
)

// API endpoints and paths.
const (
	apiTextToSpeech = "/v1/text-to-speech/"
	apiSubscription = "/v1/user/subscription"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerAPIKey      = "xi-api-key"
	contentTypeJSON   = "application/json"
	queryOutputFormat = "output_format"
)

// Provider error codes found in the error body.
const (
	statusQuotaExceeded = "quota_exceeded"
	statusInvalidAPIKey = "invalid_api_key"
)

// Error message formats.
const (
	errFmtProviderStatus = "provider returned %s: %s"
	errFmtSendRequest    = "failed to send request to provider at %s: %w"
	maxErrorBodyBytes    = 4096
)

// HTTPClient is a client for the remote speech provider. It implements both
// core.Synthesizer and core.KeyValidator.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// Request is the JSON payload of a synthesis call.
type Request struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// VoiceSettings are the per-request voice parameters.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// ErrorResponse is the structured error body of the provider. Detail is
// either an object or a plain string.
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// ErrorDetail is the object form of ErrorResponse.Detail.
type ErrorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Subscription is the part of the subscription endpoint used for validation.
type Subscription struct {
	CharacterCount int64 `json:"character_count"`
	CharacterLimit int64 `json:"character_limit"`
}

// NewHTTPClient creates a provider client. The baseURL includes the scheme,
// for example "https://api.elevenlabs.io". The timeout applies to every request.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize converts one segment of text to audio with the given key.
func (c *HTTPClient) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	format, err := audio.ParseOutputFormat(req.Options.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	requestBody, err := json.Marshal(Request{
		Text:    req.Text,
		ModelID: req.Options.ModelID,
		VoiceSettings: VoiceSettings{
			Stability:       req.Options.Stability,
			SimilarityBoost: req.Options.SimilarityBoost,
			Style:           req.Options.Style,
			UseSpeakerBoost: req.Options.UseSpeakerBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + apiTextToSpeech + url.PathEscape(req.Options.VoiceID) +
		"?" + url.Values{queryOutputFormat: []string{format.Raw}}.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, format.ContentType())
	httpReq.Header.Set(headerAPIKey, req.Key.Secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf(errFmtSendRequest, c.baseURL, ctx.Err())
		}

		return nil, fmt.Errorf("%w: "+errFmtSendRequest, ErrSynthesisFailed, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio data: %w", ErrSynthesisFailed, err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, ErrEmptyAudio)
	}

	return audioData, nil
}

// ValidateKey asks the provider for the usage of a key. A key whose usage has
// reached its limit is reported as depleted.
func (c *HTTPClient) ValidateKey(ctx context.Context, secret string) (core.KeyValidation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiSubscription, http.NoBody)
	if err != nil {
		return core.KeyValidation{Status: core.KeyUnknown}, fmt.Errorf("failed to create validation request: %w", err)
	}

	req.Header.Set(headerAPIKey, secret)
	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.KeyValidation{Status: core.KeyUnknown}, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		classified := classifyErrorResponse(resp)

		switch {
		case errors.Is(classified, ErrQuotaExceeded):
			return core.KeyValidation{Status: core.KeyDepleted}, nil
		case errors.Is(classified, ErrAuthentication):
			return core.KeyValidation{Status: core.KeyInvalid}, nil
		default:
			return core.KeyValidation{Status: core.KeyUnknown}, classified
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.KeyValidation{Status: core.KeyUnknown}, fmt.Errorf("failed to read subscription: %w", err)
	}

	var subscription Subscription

	err = parseJSON(body, &subscription, "subscription")
	if err != nil {
		return core.KeyValidation{Status: core.KeyUnknown}, err
	}

	status := core.KeyActive
	if subscription.CharacterLimit > 0 && subscription.CharacterCount >= subscription.CharacterLimit {
		status = core.KeyDepleted
	}

	return core.KeyValidation{
		Status: status,
		Used:   subscription.CharacterCount,
		Limit:  subscription.CharacterLimit,
	}, nil
}

// classifyErrorResponse maps a non-OK provider response to the error taxonomy.
// Quota signals win over the status code, since the provider reports an
// exhausted quota with 401 as well as 429.
func classifyErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	detail := parseErrorDetail(body)

	message := detail.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case detail.Status == statusQuotaExceeded:
		return fmt.Errorf("%w: "+errFmtProviderStatus, ErrQuotaExceeded, resp.Status, message)
	case detail.Status == statusInvalidAPIKey,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: "+errFmtProviderStatus, ErrAuthentication, resp.Status, message)
	default:
		return fmt.Errorf("%w: "+errFmtProviderStatus, ErrSynthesisFailed, resp.Status, message)
	}
}

func parseErrorDetail(body []byte) ErrorDetail {
	var errorResp ErrorResponse

	if parseJSON(body, &errorResp, "error body") != nil || len(errorResp.Detail) == 0 {
		return ErrorDetail{}
	}

	var detail ErrorDetail
	if parseJSON(errorResp.Detail, &detail, "error detail") == nil {
		return detail
	}

	var text string
	if parseJSON(errorResp.Detail, &text, "error detail") == nil {
		return ErrorDetail{Status: "", Message: text}
	}

	return ErrorDetail{}
}

// parseJSON decodes a provider payload; what names it in the error.
func parseJSON(data []byte, target any, what string) error {
	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to decode provider %s: %w", what, err)
	}

	return nil
}
