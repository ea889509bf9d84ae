package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-crm-pipeline/internal/features/messaging"

	"go.uber.org/zap"
)

type NotificationService interface {
	// Notify records an in-app notification per recipient and fans out to the extra channels.
	Notify(ctx context.Context, recipients []string, channels []string, title, message string) error
	List(ctx context.Context, recipient string, unreadOnly bool, limit int64) ([]Notification, error)
	MarkAsRead(ctx context.Context, id, recipient string) error
}

type NotificationServiceImpl struct {
	Repo     NotificationRepository
	Email    messaging.EmailService
	WhatsApp messaging.WhatsAppService
	Logger   *zap.Logger
}

func NewNotificationService(repo NotificationRepository, email messaging.EmailService, whatsapp messaging.WhatsAppService, logger *zap.Logger) NotificationService {
	return &NotificationServiceImpl{
		Repo:     repo,
		Email:    email,
		WhatsApp: whatsapp,
		Logger:   logger,
	}
}

func (s *NotificationServiceImpl) Notify(ctx context.Context, recipients []string, channels []string, title, message string) error {
	if len(recipients) == 0 {
		return errors.New("notification recipients are required")
	}
	if len(channels) == 0 {
		channels = []string{ChannelInApp}
	}

	now := time.Now()
	records := make([]Notification, 0, len(recipients))
	for _, r := range recipients {
		records = append(records, Notification{
			Recipient: r,
			Title:     title,
			Message:   message,
			Type:      notificationType(title),
			Channels:  channels,
			CreatedAt: now,
		})
	}
	if err := s.Repo.CreateMany(ctx, records); err != nil {
		return fmt.Errorf("failed to store notifications: %w", err)
	}

	var errs []error
	for _, ch := range channels {
		switch ch {
		case ChannelInApp:
		case ChannelEmail:
			var to []string
			for _, r := range recipients {
				if strings.Contains(r, "@") {
					to = append(to, r)
				}
			}
			if len(to) == 0 {
				continue
			}
			if _, err := s.Email.SendEmail(ctx, to, title, message, nil); err != nil {
				errs = append(errs, fmt.Errorf("email: %w", err))
			}
		case ChannelWhatsApp:
			for _, r := range recipients {
				if strings.Contains(r, "@") {
					continue
				}
				if _, err := s.WhatsApp.SendWhatsApp(ctx, r, title+"\n"+message); err != nil {
					errs = append(errs, fmt.Errorf("whatsapp %s: %w", r, err))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("unknown notification channel %q", ch))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.Logger.Warn("Notification fan-out incomplete", zap.String("title", title), zap.Error(err))
		return err
	}
	return nil
}

func (s *NotificationServiceImpl) List(ctx context.Context, recipient string, unreadOnly bool, limit int64) ([]Notification, error) {
	return s.Repo.ListByRecipient(ctx, recipient, unreadOnly, limit)
}

func (s *NotificationServiceImpl) MarkAsRead(ctx context.Context, id, recipient string) error {
	return s.Repo.MarkAsRead(ctx, id, recipient)
}

func notificationType(title string) NotificationType {
	lower := strings.ToLower(title)
	if strings.Contains(lower, "fail") || strings.Contains(lower, "error") {
		return NotificationTypeError
	}
	return NotificationTypeInfo
}
