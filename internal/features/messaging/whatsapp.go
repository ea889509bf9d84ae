package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-crm-pipeline/internal/config"

	"go.uber.org/zap"
)

type WhatsAppService interface {
	// SendWhatsApp sends plain text, or a template when templateOrText is "template:<name>[:<lang>]".
	SendWhatsApp(ctx context.Context, to, templateOrText string) (string, error)
}

type WhatsAppClient struct {
	Config     *config.Config
	Repo       DeliveryRepository
	Logger     *zap.Logger
	HttpClient *http.Client
}

func NewWhatsAppClient(cfg *config.Config, repo DeliveryRepository, logger *zap.Logger) WhatsAppService {
	return &WhatsAppClient{
		Config:     cfg,
		Repo:       repo,
		Logger:     logger,
		HttpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type outgoingMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textObj     `json:"text,omitempty"`
	Template         *templateObj `json:"template,omitempty"`
}

type textObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type templateObj struct {
	Name     string      `json:"name"`
	Language languageObj `json:"language"`
}

type languageObj struct {
	Code string `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// buildWhatsAppMessage turns the action payload into a Cloud API message.
func buildWhatsAppMessage(to, templateOrText string) outgoingMessage {
	msg := outgoingMessage{MessagingProduct: "whatsapp", To: to}
	if rest, ok := strings.CutPrefix(templateOrText, "template:"); ok {
		name, lang, _ := strings.Cut(rest, ":")
		if lang == "" {
			lang = "es"
		}
		msg.Type = "template"
		msg.Template = &templateObj{Name: name, Language: languageObj{Code: lang}}
		return msg
	}
	msg.Type = "text"
	msg.Text = &textObj{Body: templateOrText}
	return msg
}

func (c *WhatsAppClient) SendWhatsApp(ctx context.Context, to, templateOrText string) (string, error) {
	if c.Config.WhatsAppToken == "" || c.Config.WhatsAppPhoneNumberID == "" {
		return "", fmt.Errorf("whatsapp: %w", ErrNotConfigured)
	}
	if to == "" {
		return "", errors.New("whatsapp recipient is required")
	}

	msg := buildWhatsAppMessage(to, templateOrText)
	record := &Delivery{
		Channel: ChannelWhatsApp,
		To:      []string{to},
		Body:    templateOrText,
		Status:  DeliveryQueued,
	}
	if err := c.Repo.Create(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record whatsapp delivery: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(c.Config.WhatsAppAPIURL, "/"), c.Config.WhatsAppPhoneNumberID)
	respBody, err := c.sendRequest(ctx, http.MethodPost, url, msg)

	var providerID string
	if err == nil {
		var parsed sendResponse
		if jsonErr := json.Unmarshal(respBody, &parsed); jsonErr == nil && len(parsed.Messages) > 0 {
			providerID = parsed.Messages[0].ID
		}
	}

	status, errMsg := DeliverySent, ""
	if err != nil {
		status, errMsg = DeliveryFailed, err.Error()
	}
	_ = c.Repo.UpdateStatus(ctx, record.ID, status, providerID, errMsg)

	if err != nil {
		return "", err
	}
	c.Logger.Debug("WhatsApp message sent", zap.String("to", to), zap.String("provider_id", providerID))
	if providerID == "" {
		providerID = record.ID.Hex()
	}
	return providerID, nil
}

func (c *WhatsAppClient) sendRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.Config.WhatsAppToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return respBody, fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
	}

	return respBody, nil
}
