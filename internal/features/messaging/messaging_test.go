package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"go-crm-pipeline/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

func TestBuildWhatsAppMessage(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantType string
		wantName string
		wantLang string
	}{
		{name: "text", payload: "Hola {{name}}", wantType: "text"},
		{name: "template default language", payload: "template:bienvenida", wantType: "template", wantName: "bienvenida", wantLang: "es"},
		{name: "template with language", payload: "template:welcome:en_US", wantType: "template", wantName: "welcome", wantLang: "en_US"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := buildWhatsAppMessage("34600", tt.payload)
			assert.Equal(t, "whatsapp", msg.MessagingProduct)
			assert.Equal(t, tt.wantType, msg.Type)
			if tt.wantType == "template" {
				require.NotNil(t, msg.Template)
				assert.Equal(t, tt.wantName, msg.Template.Name)
				assert.Equal(t, tt.wantLang, msg.Template.Language.Code)
			} else {
				require.NotNil(t, msg.Text)
				assert.Equal(t, tt.payload, msg.Text.Body)
			}
		})
	}
}

func TestWhatsAppClient_SendWhatsApp(t *testing.T) {
	var got outgoingMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PHONE/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer server.Close()

	repo := NewMemoryDeliveryRepository()
	client := NewWhatsAppClient(&config.Config{
		WhatsAppToken:         "tok",
		WhatsAppPhoneNumberID: "PHONE",
		WhatsAppAPIURL:        server.URL,
	}, repo, zap.NewNop())

	id, err := client.SendWhatsApp(context.Background(), "34600", "Hola")
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)
	assert.Equal(t, "34600", got.To)
	assert.Equal(t, "Hola", got.Text.Body)
}

func TestWhatsAppClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad number"}}`))
	}))
	defer server.Close()

	client := NewWhatsAppClient(&config.Config{
		WhatsAppToken:         "tok",
		WhatsAppPhoneNumberID: "PHONE",
		WhatsAppAPIURL:        server.URL,
	}, NewMemoryDeliveryRepository(), zap.NewNop())

	_, err := client.SendWhatsApp(context.Background(), "1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad number")

	_, err = NewWhatsAppClient(&config.Config{}, NewMemoryDeliveryRepository(), zap.NewNop()).
		SendWhatsApp(context.Background(), "1", "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEmailService_SendEmail(t *testing.T) {
	repo := NewMemoryDeliveryRepository()
	svc := NewEmailService(&config.Config{
		SMTPHost: "smtp.local",
		SMTPPort: 2525,
		SMTPFrom: "crm@example.com",
	}, repo, zap.NewNop()).(*EmailServiceImpl)

	var sentTo []string
	var sentMsg string
	svc.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "smtp.local:2525", addr)
		assert.Equal(t, "crm@example.com", from)
		sentTo = to
		sentMsg = string(msg)
		return nil
	}

	id, err := svc.SendEmail(context.Background(), []string{"ana@example.com"}, "Propuesta", "Hola Ana",
		[]Attachment{{Name: "propuesta.pdf", Data: []byte("%PDF")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ana@example.com"}, sentTo)
	assert.True(t, strings.Contains(sentMsg, "multipart/mixed"))
	assert.True(t, strings.Contains(sentMsg, `filename="propuesta.pdf"`))

	oid, err := primitive.ObjectIDFromHex(id)
	require.NoError(t, err)
	d, ok := repo.Get(oid)
	require.True(t, ok)
	assert.Equal(t, DeliverySent, d.Status)
}

func TestEmailService_NotConfigured(t *testing.T) {
	svc := NewEmailService(&config.Config{}, NewMemoryDeliveryRepository(), zap.NewNop())
	_, err := svc.SendEmail(context.Background(), []string{"a@b.c"}, "s", "b", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
