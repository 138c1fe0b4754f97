package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the public identity of an account. ShortID is the 6-digit handle
// people share to find each other; ID is the internal stable key.
type User struct {
	ID              uuid.UUID `json:"id"`
	DisplayName     string    `json:"display_name"`
	PhoneNumber     string    `json:"phone_number,omitempty"`
	ShortID         string    `json:"short_id"`
	ProfilePhotoRef string    `json:"profile_photo_ref,omitempty"`
	IsOnline        bool      `json:"is_online"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Public strips fields that are only visible to the owner.
func (u User) Public() User {
	u.PhoneNumber = ""
	return u
}

// ProfileUpdate carries the editable profile fields. Nil means unchanged.
type ProfileUpdate struct {
	DisplayName     *string `json:"display_name,omitempty"`
	ProfilePhotoRef *string `json:"profile_photo_ref,omitempty"`
}

// PresenceEvent is published on the global presence feed.
type PresenceEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
