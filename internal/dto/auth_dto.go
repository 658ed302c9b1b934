package dto

import "time"

// AuthCredentialsRequest is the payload of sign up and sign in.
type AuthCredentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// SessionResponse is the serialized representation of an auth session.
type SessionResponse struct {
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
}
