package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"path/filepath"
	"strings"

	"go-crm-pipeline/internal/config"

	"go.uber.org/zap"
)

type EmailService interface {
	// SendEmail delivers one message and returns the delivery id.
	SendEmail(ctx context.Context, to []string, subject, body string, attachments []Attachment) (string, error)
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailServiceImpl struct {
	Config   *config.Config
	Repo     DeliveryRepository
	Logger   *zap.Logger
	sendMail sendMailFunc
}

func NewEmailService(cfg *config.Config, repo DeliveryRepository, logger *zap.Logger) EmailService {
	return &EmailServiceImpl{
		Config:   cfg,
		Repo:     repo,
		Logger:   logger,
		sendMail: smtp.SendMail,
	}
}

func (s *EmailServiceImpl) SendEmail(ctx context.Context, to []string, subject, body string, attachments []Attachment) (string, error) {
	if s.Config.SMTPHost == "" || s.Config.SMTPPort == 0 {
		return "", fmt.Errorf("email: %w", ErrNotConfigured)
	}
	if len(to) == 0 {
		return "", errors.New("email recipient (to) is required")
	}

	from := s.Config.SMTPFrom
	if from == "" {
		from = s.Config.SMTPUser
	}

	record := &Delivery{
		Channel: ChannelEmail,
		To:      to,
		Subject: subject,
		Body:    body,
		Status:  DeliveryQueued,
	}
	if err := s.Repo.Create(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record email delivery: %w", err)
	}

	var auth smtp.Auth
	if s.Config.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.Config.SMTPUser, s.Config.SMTPPassword, s.Config.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", s.Config.SMTPHost, s.Config.SMTPPort)
	msg := buildMessage(from, to, subject, body, attachments)

	s.Logger.Debug("Sending email", zap.Strings("to", to), zap.String("addr", addr))
	err := s.sendMail(addr, auth, from, to, msg)

	status, errMsg := DeliverySent, ""
	if err != nil {
		status, errMsg = DeliveryFailed, err.Error()
	}
	_ = s.Repo.UpdateStatus(ctx, record.ID, status, "", errMsg)

	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return record.ID.Hex(), nil
}

// buildMessage renders a MIME message. Without attachments it stays a single text/plain part.
func buildMessage(from string, to []string, subject, body string, attachments []Attachment) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject)))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(attachments) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n")
		return buf.Bytes()
	}

	marker := "PipelineMarker"
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%s\r\n", marker))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", marker))
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")

	for _, a := range attachments {
		buf.WriteString(fmt.Sprintf("--%s\r\n", marker))
		contentType := a.ContentType
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(a.Name))
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", contentType, a.Name))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", a.Name))
		buf.WriteString("\r\n")
		buf.WriteString(base64.StdEncoding.EncodeToString(a.Data))
		buf.WriteString("\r\n")
	}

	buf.WriteString(fmt.Sprintf("--%s--", marker))
	return buf.Bytes()
}
