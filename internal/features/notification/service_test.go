package notification

import (
	"context"
	"errors"
	"testing"

	"go-crm-pipeline/internal/features/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEmail struct {
	to  []string
	err error
}

func (s *stubEmail) SendEmail(_ context.Context, to []string, _, _ string, _ []messaging.Attachment) (string, error) {
	s.to = append(s.to, to...)
	return "id", s.err
}

type stubWhatsApp struct{ to []string }

func (s *stubWhatsApp) SendWhatsApp(_ context.Context, to, _ string) (string, error) {
	s.to = append(s.to, to)
	return "wamid", nil
}

func TestNotificationService_Notify(t *testing.T) {
	repo := NewMemoryNotificationRepository()
	email := &stubEmail{}
	wa := &stubWhatsApp{}
	svc := NewNotificationService(repo, email, wa, zap.NewNop())
	ctx := context.Background()

	err := svc.Notify(ctx, []string{"ops@example.com", "34600"}, []string{ChannelInApp, ChannelEmail, ChannelWhatsApp}, "Automation failed", "rule X")
	require.NoError(t, err)

	assert.Equal(t, []string{"ops@example.com"}, email.to)
	assert.Equal(t, []string{"34600"}, wa.to)

	list, err := svc.List(ctx, "ops@example.com", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, NotificationTypeError, list[0].Type)

	require.NoError(t, svc.MarkAsRead(ctx, list[0].ID.Hex(), "ops@example.com"))
	list, err = svc.List(ctx, "ops@example.com", true, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNotificationService_NotifyErrors(t *testing.T) {
	email := &stubEmail{err: errors.New("smtp down")}
	svc := NewNotificationService(NewMemoryNotificationRepository(), email, &stubWhatsApp{}, zap.NewNop())
	ctx := context.Background()

	assert.Error(t, svc.Notify(ctx, nil, nil, "t", "m"))
	assert.ErrorContains(t, svc.Notify(ctx, []string{"a@b.c"}, []string{ChannelEmail}, "t", "m"), "smtp down")
	assert.ErrorContains(t, svc.Notify(ctx, []string{"u1"}, []string{"pager"}, "t", "m"), "unknown notification channel")
}
