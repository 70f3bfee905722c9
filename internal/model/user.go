package model

import "time"

type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
)

type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	Email          string     `json:"email,omitempty"`
	PasswordHash   string     `json:"-"`
	Status         UserStatus `json:"status"`
	LastSeen       time.Time  `json:"last_seen"`
	ProfilePicture string     `json:"profile_picture,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// UserPublic — профиль без чувствительных полей, отдаётся другим пользователям.
type UserPublic struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         UserStatus `json:"status"`
	LastSeen       time.Time  `json:"last_seen"`
	ProfilePicture string     `json:"profile_picture,omitempty"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:             u.ID,
		Name:           u.Name,
		Status:         u.Status,
		LastSeen:       u.LastSeen,
		ProfilePicture: u.ProfilePicture,
	}
}
