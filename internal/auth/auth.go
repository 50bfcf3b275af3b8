// Package auth implements the hpfeeds challenge/response authentication
// and per-user channel authorization.
//
// This includes the Authenticator capability interface, the immutable
// per-connection AccessContext, and two concrete authenticators: an
// in-memory store populated from flags and the users file, and a SQLite
// store shared with the hpfeedsctl admin tool.
package auth

import "context"

// WildcardChannel is the allow-list token granting access to any channel.
const WildcardChannel = "*"

// -------------------------------------------------------------------------
// AccessContext — per-connection authorization record
// -------------------------------------------------------------------------

// AccessContext is the authorization record bound to a connection after a
// successful handshake. It is immutable for the life of the connection;
// later changes to the user record do not affect established connections.
type AccessContext struct {
	// Ident is the authenticated identity. Outbound Publish frames to
	// subscribers carry this value, never the ident the publisher put on
	// the wire.
	Ident string

	pubChannels map[string]struct{}
	subChannels map[string]struct{}
}

// NewAccessContext builds an AccessContext from the user's allow-lists.
// Either list may contain WildcardChannel.
func NewAccessContext(ident string, pubChannels, subChannels []string) *AccessContext {
	return &AccessContext{
		Ident:       ident,
		pubChannels: toSet(pubChannels),
		subChannels: toSet(subChannels),
	}
}

// CanPublish reports whether the user may publish to channel.
func (a *AccessContext) CanPublish(channel string) bool {
	return allowed(a.pubChannels, channel)
}

// CanSubscribe reports whether the user may subscribe to channel.
func (a *AccessContext) CanSubscribe(channel string) bool {
	return allowed(a.subChannels, channel)
}

func allowed(set map[string]struct{}, channel string) bool {
	if _, ok := set[WildcardChannel]; ok {
		return true
	}
	_, ok := set[channel]
	return ok
}

func toSet(channels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}
	return set
}

// -------------------------------------------------------------------------
// Authenticator — capability interface
// -------------------------------------------------------------------------

// Authenticator verifies a client's challenge response and, on success,
// produces the connection's AccessContext.
//
// Authenticate returns (nil, nil) when the proof does not match any user:
// rejection is an expected outcome, not an error. A non-nil error means
// the backend itself failed (e.g. a database error); callers treat that
// as a rejection too, but it is logged separately.
//
// Implementations must be safe for concurrent use by many connection
// handlers.
type Authenticator interface {
	Authenticate(ctx context.Context, ident string, secretHash, rand []byte) (*AccessContext, error)
}
