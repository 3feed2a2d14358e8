package authapi

import "time"

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	// AccessToken is the last access token issued with RefreshToken. It may
	// instead be sent as a Bearer Authorization header.
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type profileResponse struct {
	ID          string    `json:"id"`
	Username    *string   `json:"username"`
	Email       *string   `json:"email"`
	DisplayName *string   `json:"display_name"`
	Bio         *string   `json:"bio"`
	CreatedAt   time.Time `json:"created_at"`
}

type tokensResponse struct {
	AccessToken      string     `json:"access_token"`
	AccessExpiresAt  *time.Time `json:"access_expires_at,omitempty"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at"`
	CSRFToken        string     `json:"csrf_token,omitempty"`
}

type refreshResponse struct {
	Subject string         `json:"subject"`
	Tokens  tokensResponse `json:"tokens"`
}

type meResponse struct {
	Identity  string           `json:"identity"`
	TokenID   string           `json:"token_id"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	Profile   *profileResponse `json:"profile,omitempty"`
}
