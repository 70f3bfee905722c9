package model

import "time"

// StoryTTL — время жизни истории с момента создания.
const StoryTTL = 24 * time.Hour

type Story struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MediaURL  string    `json:"media_url"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
