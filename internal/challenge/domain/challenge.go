// Package domain defines the one-time-code challenge entity.
package domain

import "time"

// Channel is the out-of-band delivery channel for a challenge code.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Challenge is a stored one-time code (hash only) for (email, channel).
// At most one non-consumed challenge exists per (email, channel): creating a new
// one marks prior ones consumed.
type Challenge struct {
	ID           string
	Email        string
	Channel      Channel
	CodeHash     string
	Salt         string
	ExpiresAt    time.Time
	AttemptsLeft int
	Consumed     bool
	CreatedAt    time.Time
}
