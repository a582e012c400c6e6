package discord

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

const (
	defaultBaseURL = "https://discord.com/api/v9"

	// Bot application id the interaction payloads target.
	midjourneyBotID = "936929561302675456"

	interactionCommand   = 2
	interactionComponent = 3
)

// HTTPClient implements Client against the upstream HTTP interaction API.
// It owns the credentials of exactly one account.
type HTTPClient struct {
	account *domain.Account
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client bound to the given account.
func NewHTTPClient(account *domain.Account, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		account: account,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(slog.String("component", "discord"), slog.String("instance", account.ID)),
	}
}

// WithBaseURL points the client at a non-default API host, used for
// gateway proxies and tests.
func (c *HTTPClient) WithBaseURL(u string) *HTTPClient {
	if u != "" {
		c.baseURL = u
	}
	return c
}

type interactionPayload struct {
	Type          int            `json:"type"`
	ApplicationID string         `json:"application_id"`
	GuildID       string         `json:"guild_id,omitempty"`
	ChannelID     string         `json:"channel_id"`
	MessageID     string         `json:"message_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Nonce         string         `json:"nonce,omitempty"`
	Data          map[string]any `json:"data"`
}

func (c *HTTPClient) commandPayload(name string, nonce string, options []map[string]any) interactionPayload {
	return interactionPayload{
		Type:          interactionCommand,
		ApplicationID: midjourneyBotID,
		GuildID:       c.account.GuildID,
		ChannelID:     c.account.ChannelID,
		Nonce:         nonce,
		Data: map[string]any{
			"name":    name,
			"type":    1,
			"options": options,
		},
	}
}

func (c *HTTPClient) componentPayload(messageID, customID, nonce string, flags int) interactionPayload {
	return interactionPayload{
		Type:          interactionComponent,
		ApplicationID: midjourneyBotID,
		GuildID:       c.account.GuildID,
		ChannelID:     c.account.ChannelID,
		MessageID:     messageID,
		Nonce:         nonce,
		Data: map[string]any{
			"component_type": 2,
			"custom_id":      customID,
			"flags":          flags,
		},
	}
}

func (c *HTTPClient) Imagine(ctx context.Context, prompt, nonce string) (*Message, error) {
	p := c.commandPayload("imagine", nonce, []map[string]any{
		{"type": 3, "name": "prompt", "value": prompt},
	})
	return c.postInteraction(ctx, p)
}

func (c *HTTPClient) Upscale(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (*Message, error) {
	customID := fmt.Sprintf("MJ::JOB::upsample::%d::%s", index, messageHash)
	return c.postInteraction(ctx, c.componentPayload(messageID, customID, nonce, flags))
}

func (c *HTTPClient) Variation(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (*Message, error) {
	customID := fmt.Sprintf("MJ::JOB::variation::%d::%s", index, messageHash)
	return c.postInteraction(ctx, c.componentPayload(messageID, customID, nonce, flags))
}

func (c *HTTPClient) Reroll(ctx context.Context, messageID, messageHash string, flags int, nonce string) (*Message, error) {
	customID := fmt.Sprintf("MJ::JOB::reroll::0::%s::SOLO", messageHash)
	return c.postInteraction(ctx, c.componentPayload(messageID, customID, nonce, flags))
}

func (c *HTTPClient) Action(ctx context.Context, messageID, customID string, flags int, nonce string) (*Message, error) {
	return c.postInteraction(ctx, c.componentPayload(messageID, customID, nonce, flags))
}

func (c *HTTPClient) Describe(ctx context.Context, finalFileName, nonce string) (*Message, error) {
	name := finalFileName[strings.LastIndex(finalFileName, "/")+1:]
	p := c.commandPayload("describe", nonce, []map[string]any{
		{"type": 11, "name": "image", "value": 0},
	})
	p.Data["attachments"] = []map[string]any{
		{"id": "0", "filename": name, "uploaded_filename": finalFileName},
	}
	return c.postInteraction(ctx, p)
}

func (c *HTTPClient) Blend(ctx context.Context, finalFileNames []string, dimensions BlendDimensions, nonce string) (*Message, error) {
	options := make([]map[string]any, 0, len(finalFileNames)+1)
	attachments := make([]map[string]any, 0, len(finalFileNames))
	for i, fn := range finalFileNames {
		options = append(options, map[string]any{
			"type": 11, "name": fmt.Sprintf("image%d", i+1), "value": i,
		})
		attachments = append(attachments, map[string]any{
			"id":                fmt.Sprint(i),
			"filename":          fn[strings.LastIndex(fn, "/")+1:],
			"uploaded_filename": fn,
		})
	}
	if dimensions != "" {
		options = append(options, map[string]any{
			"type": 3, "name": "dimensions", "value": "--ar " + aspectRatio(dimensions),
		})
	}
	p := c.commandPayload("blend", nonce, options)
	p.Data["attachments"] = attachments
	return c.postInteraction(ctx, p)
}

func aspectRatio(d BlendDimensions) string {
	switch d {
	case BlendPortrait:
		return "2:3"
	case BlendLandscape:
		return "3:2"
	default:
		return "1:1"
	}
}

// Upload reserves an attachment slot and uploads the data-url content,
// returning the upstream file name in Result.
func (c *HTTPClient) Upload(ctx context.Context, fileName, dataURL string) (*Message, error) {
	raw, err := decodeDataURL(dataURL)
	if err != nil {
		return Failure(CodeFailure, "invalid data url"), nil
	}

	reqBody, _ := json.Marshal(map[string]any{
		"files": []map[string]any{
			{"filename": fileName, "file_size": len(raw), "id": "0"},
		},
	})
	slotURL := fmt.Sprintf("%s/channels/%s/attachments", c.baseURL, c.account.ChannelID)
	resp, err := c.doJSON(ctx, http.MethodPost, slotURL, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Failure(CodeFailure, fmt.Sprintf("attachment slot request returned %d", resp.StatusCode)), nil
	}

	var slot struct {
		Attachments []struct {
			UploadURL      string `json:"upload_url"`
			UploadFilename string `json:"upload_filename"`
		} `json:"attachments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil || len(slot.Attachments) == 0 {
		return Failure(CodeFailure, "malformed attachment slot response"), nil
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.Attachments[0].UploadURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	put.Header.Set("Content-Type", "application/octet-stream")
	putResp, err := c.http.Do(put)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode >= http.StatusBadRequest {
		return Failure(CodeFailure, fmt.Sprintf("upload returned %d", putResp.StatusCode)), nil
	}

	msg := Success()
	msg.Result = slot.Attachments[0].UploadFilename
	return msg, nil
}

func (c *HTTPClient) SendImageMessage(ctx context.Context, content, finalFileName string) (*Message, error) {
	name := finalFileName[strings.LastIndex(finalFileName, "/")+1:]
	body, _ := json.Marshal(map[string]any{
		"content": content,
		"attachments": []map[string]any{
			{"id": "0", "filename": name, "uploaded_filename": finalFileName},
		},
	})
	url := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, c.account.ChannelID)
	resp, err := c.doJSON(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Failure(CodeFailure, fmt.Sprintf("send message returned %d", resp.StatusCode)), nil
	}

	var sent struct {
		ID          string `json:"id"`
		Attachments []struct {
			URL string `json:"url"`
		} `json:"attachments"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sent)
	msg := Success()
	if len(sent.Attachments) > 0 {
		msg.Result = sent.Attachments[0].URL
	}
	return msg, nil
}

func (c *HTTPClient) postInteraction(ctx context.Context, payload interactionPayload) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal interaction: %w", err)
	}
	resp, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/interactions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode < http.StatusBadRequest:
		return Success(), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Failure(CodeQueueFull, "upstream rate limited"), nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("interaction rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)),
		)
		return Failure(CodeFailure, fmt.Sprintf("interaction returned %d", resp.StatusCode)), nil
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.account.UserToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

// decodeDataURL strips a "data:<mime>;base64," prefix and decodes the rest.
func decodeDataURL(dataURL string) ([]byte, error) {
	payload := dataURL
	if idx := strings.Index(dataURL, ","); idx >= 0 && strings.HasPrefix(dataURL, "data:") {
		payload = dataURL[idx+1:]
	}
	return base64.StdEncoding.DecodeString(payload)
}
