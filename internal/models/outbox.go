package models

import "time"

// Notification channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// OutboxEntry is a notification that failed to send and waits for a retry.
type OutboxEntry struct {
	ID        string    `bson:"_id" json:"id"`
	Channel   string    `bson:"channel" json:"channel"`
	To        string    `bson:"to" json:"to"`
	Subject   string    `bson:"subject" json:"subject"`
	Body      string    `bson:"body" json:"body"`
	Attempts  int       `bson:"attempts" json:"attempts"`
	LastError string    `bson:"last_error" json:"last_error"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}
