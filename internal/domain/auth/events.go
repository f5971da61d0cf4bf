// Package auth holds the events raised by sign-in and sign-out.
package auth

import "time"

// UserLoginSucceeded is published after a user signed in.
type UserLoginSucceeded struct {
	UserID string
	At     time.Time
}

func (UserLoginSucceeded) EventName() string { return "auth.user_login_succeeded" }

// UserLogoutSucceeded is published after a user signed out.
type UserLogoutSucceeded struct {
	UserID string
	At     time.Time
}

func (UserLogoutSucceeded) EventName() string { return "auth.user_logout_succeeded" }
