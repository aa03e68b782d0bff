package domain

import "time"

// UserStatus is the account state maintained by the identity provider.
type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusBanned  UserStatus = "banned"
	UserStatusPending UserStatus = "pending"
)

// User represents a player account stored in the database.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Avatar      string     `json:"avatar,omitempty"`
	Balance     int64      `json:"balance"`
	GamesPlayed int        `json:"games_played"`
	GamesWon    int        `json:"games_won"`
	Status      UserStatus `json:"status"`
	IsAdmin     bool       `json:"is_admin"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// CanPlay reports whether the account may connect and wager.
func (u *User) CanPlay() bool {
	return u != nil && u.Status != UserStatusBanned
}
