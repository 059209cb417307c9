package tui

import "github.com/we-expense/expense-cli/api"

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Server string }

// MsgSessionFound signals that stored tokens were found.
type MsgSessionFound struct{}

// MsgSessionNotFound signals that no tokens are stored.
type MsgSessionNotFound struct{}

// MsgWorking signals that a request is in progress.
type MsgWorking struct{ Task string }

// MsgSignedIn signals a successful login.
type MsgSignedIn struct{ Email string }

// MsgSignedOut signals that the stored tokens were removed.
type MsgSignedOut struct{}

// MsgRegistered signals that an account was created.
type MsgRegistered struct{ User api.User }

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{ Endpoint string }

// MsgTokenRefreshedRetrying signals that the token was refreshed and the
// request is being replayed.
type MsgTokenRefreshedRetrying struct{ Endpoint string }

// MsgSessionExpired signals that the refresh failed and the user must sign
// in again.
type MsgSessionExpired struct{ Endpoint string }

// MsgConnectivity signals a reachability change.
type MsgConnectivity struct{ Connected bool }

// MsgResult carries rendered output for the result panel.
type MsgResult struct {
	Title string
	Body  string
}

// MsgNotice is a one-line status entry.
type MsgNotice struct {
	Text string
	Warn bool
}

// MsgDone signals that the command finished.
type MsgDone struct{}

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
