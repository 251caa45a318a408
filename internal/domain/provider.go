package domain

import "context"

// Credentials holds the device and account identifiers the license layer
// needs. Key derivation concatenates the four identity fields, so they must
// match the values the server used when encrypting the voucher.
type Credentials struct {
	AccessToken  string
	DeviceType   string
	DeviceSerial string
	AccountID    string
}

// TokenProvider supplies credentials on demand. The core never fetches or
// refreshes tokens itself; implementations return ErrAuthRequired when no
// valid token exists and leave refresh policy to the caller.
type TokenProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}
