// Package openai implements models.InferenceGateway against the OpenAI API:
// vision chat completions for the synchronous shape and the Batch API for
// the asynchronous shape.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/phototag/internal/config"
	"github.com/kiranshivaraju/phototag/pkg/models"
	"github.com/kiranshivaraju/phototag/pkg/prompt"
)

// Gateway implements models.InferenceGateway using OpenAI.
type Gateway struct {
	cfg     config.OpenAIConfig
	client  *http.Client
	prompts prompt.Builder
}

// NewGateway creates a new OpenAI gateway.
func NewGateway(cfg config.OpenAIConfig, timeout time.Duration) *Gateway {
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) Name() string { return "openai" }

// ClassifySync classifies each image with one vision chat-completion call.
// A malformed image fails only its own slot; a call-level failure (quota,
// network, auth) stops the loop and returns the classifications gathered so
// far together with the error, so the caller can requeue the remainder.
func (g *Gateway) ClassifySync(ctx context.Context, images []models.ImageRef, vocabulary []string, maxTags int) ([]models.Classification, error) {
	results := make([]models.Classification, 0, len(images))
	for _, img := range images {
		tags, err := g.classifyOne(ctx, img, vocabulary, maxTags)
		if err != nil {
			if errors.Is(err, errMalformedImage) {
				results = append(results, models.Classification{
					AssetID:   img.AssetID,
					ErrorCode: models.ErrCodeMalformedImage,
				})
				continue
			}
			return results, err
		}
		results = append(results, models.Classification{AssetID: img.AssetID, Tags: tags})
	}
	return results, nil
}

// SubmitBatch uploads a JSONL input file (one chat-completion request per
// image, custom_id = asset ID) and creates a batch over it. Returns the
// provider-assigned batch ID; nothing is resolved per image.
func (g *Gateway) SubmitBatch(ctx context.Context, images []models.ImageRef, vocabulary []string, maxTags int) (string, error) {
	var input bytes.Buffer
	enc := json.NewEncoder(&input)
	for _, img := range images {
		line := batchInputLine{
			CustomID: img.AssetID.String(),
			Method:   http.MethodPost,
			URL:      "/v1/chat/completions",
			Body:     g.chatRequest(img, vocabulary, maxTags),
		}
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("encoding batch input: %w", err)
		}
	}

	fileID, err := g.uploadFile(ctx, input.Bytes())
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return "", fmt.Errorf("encoding batch request: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, "/v1/batches", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return "", fmt.Errorf("%w: decoding batch response: %v", models.ErrInvalidResponse, err)
	}
	if batch.ID == "" {
		return "", fmt.Errorf("%w: batch response missing id", models.ErrInvalidResponse)
	}
	return batch.ID, nil
}

// BatchStatus maps the provider's batch lifecycle onto the tracker's view.
func (g *Gateway) BatchStatus(ctx context.Context, jobRef string) (models.BatchStatusInfo, error) {
	resp, err := g.do(ctx, http.MethodGet, "/v1/batches/"+jobRef, "", nil)
	if err != nil {
		return models.BatchStatusInfo{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return models.BatchStatusInfo{}, err
	}

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return models.BatchStatusInfo{}, fmt.Errorf("%w: decoding batch status: %v", models.ErrInvalidResponse, err)
	}

	switch batch.Status {
	case "completed":
		return models.BatchStatusInfo{Status: models.BatchStatusCompleted, ResultsLocation: batch.OutputFileID}, nil
	case "failed", "expired", "cancelling", "cancelled":
		return models.BatchStatusInfo{Status: models.BatchStatusFailed}, nil
	default:
		// validating, in_progress, finalizing
		return models.BatchStatusInfo{Status: models.BatchStatusInProgress}, nil
	}
}

// FetchBatchResults downloads the output file and correlates each line by
// custom_id. Output order is whatever the provider produced, never assumed
// to match submission order.
func (g *Gateway) FetchBatchResults(ctx context.Context, resultsLocation string) ([]models.Classification, error) {
	resp, err := g.do(ctx, http.MethodGet, "/v1/files/"+resultsLocation+"/content", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var results []models.Classification
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var out batchOutputLine
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			return nil, fmt.Errorf("%w: decoding batch output line: %v", models.ErrInvalidResponse, err)
		}

		assetID, err := uuid.Parse(out.CustomID)
		if err != nil {
			return nil, fmt.Errorf("%w: batch output custom_id %q is not an asset id", models.ErrInvalidResponse, out.CustomID)
		}

		results = append(results, classifyOutputLine(assetID, out))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading batch output: %v", models.ErrInvalidResponse, err)
	}
	return results, nil
}

// classifyOutputLine turns one JSONL result line into a per-image outcome.
// Only an embedded 400 blames the image itself; any other embedded failure
// is the provider's and carries the transient code.
func classifyOutputLine(assetID uuid.UUID, out batchOutputLine) models.Classification {
	if out.Error != nil || out.Response == nil {
		return models.Classification{AssetID: assetID, ErrorCode: models.ErrCodeMalformedImage}
	}
	if out.Response.StatusCode == http.StatusBadRequest {
		return models.Classification{AssetID: assetID, ErrorCode: models.ErrCodeMalformedImage}
	}
	if out.Response.StatusCode != http.StatusOK {
		return models.Classification{AssetID: assetID, ErrorCode: models.ErrCodeTransient}
	}

	tags, err := parseTags(out.Response.Body)
	if err != nil {
		return models.Classification{AssetID: assetID, ErrorCode: models.ErrCodeMalformedImage}
	}
	return models.Classification{AssetID: assetID, Tags: tags}
}

// errMalformedImage marks a per-image 400 inside classifyOne.
var errMalformedImage = errors.New("malformed image")

func (g *Gateway) classifyOne(ctx context.Context, img models.ImageRef, vocabulary []string, maxTags int) ([]string, error) {
	body, err := json.Marshal(g.chatRequest(img, vocabulary, maxTags))
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, "/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		// The provider rejected this image; siblings are unaffected.
		return nil, errMalformedImage
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading chat response: %v", models.ErrTransient, err)
	}
	tags, err := parseTags(raw)
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// chatRequest builds one vision chat-completion request asking for a JSON
// array of tags drawn from the vocabulary.
func (g *Gateway) chatRequest(img models.ImageRef, vocabulary []string, maxTags int) chatCompletionRequest {
	instruction := g.prompts.BuildTaggingPrompt(prompt.TaggingParams{
		Vocabulary: vocabulary,
		MaxTags:    maxTags,
	})

	return chatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []chatContent{
					{Type: "text", Text: instruction},
					{Type: "image_url", ImageURL: &chatImageURL{URL: img.ImageURL}},
				},
			},
		},
		MaxTokens: 200,
	}
}

// parseTags extracts the JSON tag array from a chat completion body.
func parseTags(raw []byte) ([]string, error) {
	var cr chatCompletionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("%w: decoding chat completion: %v", models.ErrInvalidResponse, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: chat completion has no choices", models.ErrInvalidResponse)
	}

	content := strings.TrimSpace(cr.Choices[0].Message.Content)
	// Models sometimes fence the array in a markdown block.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var tags []string
	if err := json.Unmarshal([]byte(content), &tags); err != nil {
		return nil, fmt.Errorf("%w: chat completion content is not a tag array: %v", models.ErrInvalidResponse, err)
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// uploadFile uploads JSONL content with purpose=batch and returns the file ID.
func (g *Gateway) uploadFile(ctx context.Context, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	part, err := mw.CreateFormFile("file", "input.jsonl")
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", fmt.Errorf("%w: decoding file response: %v", models.ErrInvalidResponse, err)
	}
	if file.ID == "" {
		return "", fmt.Errorf("%w: file response missing id", models.ErrInvalidResponse)
	}
	return file.ID, nil
}

func (g *Gateway) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

// checkStatus maps non-2xx responses onto the gateway error taxonomy and
// drains the body so the caller can bail out with just the error.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &models.QuotaError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", models.ErrFatal, resp.StatusCode, body)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", models.ErrTransient, resp.StatusCode, body)
	default:
		return fmt.Errorf("%w: status %d: %s", models.ErrFatal, resp.StatusCode, body)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// classifyTransportError maps transport-level errors to taxonomy errors.
// Timeouts, resets and unreachable hosts are all recoverable by retry.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return fmt.Errorf("%w: provider unreachable: %v", models.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", models.ErrTransient, err)
}

// --- OpenAI request/response types ---

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type batchInputLine struct {
	CustomID string                `json:"custom_id"`
	Method   string                `json:"method"`
	URL      string                `json:"url"`
	Body     chatCompletionRequest `json:"body"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
}

type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Compile-time check that Gateway implements InferenceGateway.
var _ models.InferenceGateway = (*Gateway)(nil)
