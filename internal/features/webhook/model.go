package webhook

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Response is what the remote endpoint returned.
type Response struct {
	StatusCode int               `json:"status"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// WebhookLog represents a single delivery attempt
type WebhookLog struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	DeliveryID string             `json:"delivery_id" bson:"delivery_id"`
	URL        string             `json:"url" bson:"url"`
	Method     string             `json:"method" bson:"method"`
	Request    string             `json:"request,omitempty" bson:"request,omitempty"`
	Response   string             `json:"response,omitempty" bson:"response,omitempty"` // Body or error message
	StatusCode int                `json:"status_code" bson:"status_code"`
	Success    bool               `json:"success" bson:"success"`
	Duration   int64              `json:"duration" bson:"duration"` // Duration in milliseconds
	CreatedAt  time.Time          `json:"created_at" bson:"created_at"`
}
