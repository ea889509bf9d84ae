package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-crm-pipeline/internal/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxLoggedBody caps how much of a request/response is kept in the delivery log.
const maxLoggedBody = 4096

type WebhookService interface {
	// Call performs one HTTP request. Non-2xx answers are returned as a Response, not an error.
	Call(ctx context.Context, url, method string, headers map[string]string, body interface{}) (*Response, error)
	ListLogs(ctx context.Context, url string, limit int64) ([]WebhookLog, error)
}

type WebhookServiceImpl struct {
	Repo       WebhookLogRepository
	Secret     string
	HttpClient *http.Client
	Logger     *zap.Logger
}

func NewWebhookService(repo WebhookLogRepository, cfg *config.Config, logger *zap.Logger) WebhookService {
	return &WebhookServiceImpl{
		Repo:   repo,
		Secret: cfg.WebhookSecret,
		HttpClient: &http.Client{
			Timeout: cfg.WebhookTimeout,
		},
		Logger: logger,
	}
}

func (s *WebhookServiceImpl) Call(ctx context.Context, url, method string, headers map[string]string, body interface{}) (*Response, error) {
	if method == "" {
		method = http.MethodPost
	}
	method = strings.ToUpper(method)

	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
		}
	}

	var reader io.Reader
	if payload != nil && method != http.MethodGet {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	deliveryID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Go-CRM-Pipeline-Webhook")
	req.Header.Set("X-CRM-Delivery", deliveryID)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if s.Secret != "" && payload != nil {
		req.Header.Set("X-CRM-Signature", "sha256="+Sign(s.Secret, payload))
	}

	start := time.Now()
	resp, err := s.HttpClient.Do(req)
	entry := &WebhookLog{
		DeliveryID: deliveryID,
		URL:        url,
		Method:     method,
		Request:    truncate(string(payload)),
		CreatedAt:  start,
	}
	if err != nil {
		entry.Response = err.Error()
		entry.Duration = time.Since(start).Milliseconds()
		s.saveLog(ctx, entry)
		return nil, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	entry.StatusCode = resp.StatusCode
	entry.Success = resp.StatusCode < 400
	entry.Response = truncate(string(respBody))
	entry.Duration = time.Since(start).Milliseconds()
	s.saveLog(ctx, entry)

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

func (s *WebhookServiceImpl) ListLogs(ctx context.Context, url string, limit int64) ([]WebhookLog, error) {
	return s.Repo.List(ctx, url, limit)
}

func (s *WebhookServiceImpl) saveLog(ctx context.Context, entry *WebhookLog) {
	if err := s.Repo.Create(ctx, entry); err != nil {
		s.Logger.Warn("Failed to store webhook log", zap.String("url", entry.URL), zap.Error(err))
	}
}

// Sign returns the hex HMAC-SHA256 of body, as sent in X-CRM-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string) string {
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody]
	}
	return s
}
