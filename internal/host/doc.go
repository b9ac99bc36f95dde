// Package host exposes the connector through integer handles and status
// codes. Handle ids start at 1; every failure is a negative Status whose
// underlying error is kept for LastError.
package host
