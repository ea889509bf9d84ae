package messaging

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotConfigured is returned when a channel has no credentials. Retrying will not help.
var ErrNotConfigured = errors.New("messaging channel not configured")

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

type DeliveryStatus string

const (
	DeliveryQueued DeliveryStatus = "queued"
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Attachment is a file sent along with an email.
type Attachment struct {
	Name        string `json:"name" bson:"name"`
	ContentType string `json:"contentType,omitempty" bson:"content_type,omitempty"`
	Data        []byte `json:"data" bson:"-"`
}

// Delivery is the outbound message log kept for every send attempt.
type Delivery struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Channel    Channel            `json:"channel" bson:"channel"`
	To         []string           `json:"to" bson:"to"`
	Subject    string             `json:"subject,omitempty" bson:"subject,omitempty"`
	Body       string             `json:"body" bson:"body"`
	Status     DeliveryStatus     `json:"status" bson:"status"`
	ProviderID string             `json:"providerId,omitempty" bson:"provider_id,omitempty"`
	Error      string             `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt  time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt  time.Time          `json:"updatedAt" bson:"updated_at"`
}
