package models

import "time"

// User is a tenant of the conversation engine. Every stored row in the
// system is scoped to exactly one user.
type User struct {
	ID             string    `json:"id" db:"id"`
	Email          string    `json:"email" db:"email"`
	Timezone       string    `json:"timezone" db:"timezone"`
	IngestToken    string    `json:"-" db:"ingest_token"`
	DefaultAgentID string    `json:"default_agent_id" db:"default_agent_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Location resolves the user's timezone, falling back to UTC when the stored
// name is empty or invalid. Day labels are always computed in this location.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
