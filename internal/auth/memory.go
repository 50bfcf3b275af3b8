package auth

import (
	"context"
	"sync"

	"github.com/dantte-lp/gohpfeeds/internal/wire"
)

// userRecord is the in-memory user entry: secret plus allow-lists.
type userRecord struct {
	secret      string
	pubChannels []string
	subChannels []string
}

// MemoryAuthenticator holds user records in a mutex-guarded map.
//
// Writes happen at startup (users-file load and --auth flag pairs) and
// are rare thereafter; reads happen on every handshake, so the map is
// guarded by a reader/writer mutex.
type MemoryAuthenticator struct {
	mu    sync.RWMutex
	users map[string]userRecord
}

// NewMemoryAuthenticator creates an empty MemoryAuthenticator.
func NewMemoryAuthenticator() *MemoryAuthenticator {
	return &MemoryAuthenticator{
		users: make(map[string]userRecord),
	}
}

// Add registers a user with access to every channel. Used for --auth
// ident:secret flag pairs.
func (m *MemoryAuthenticator) Add(ident, secret string) {
	m.AddUser(ident, secret, []string{WildcardChannel}, []string{WildcardChannel})
}

// AddUser registers a user with explicit publish and subscribe
// allow-lists, replacing any previous record for the same ident.
func (m *MemoryAuthenticator) AddUser(ident, secret string, pubChannels, subChannels []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users[ident] = userRecord{
		secret:      secret,
		pubChannels: pubChannels,
		subChannels: subChannels,
	}
}

// Authenticate implements Authenticator. The proof must equal
// SHA-1(rand || secret) for the stored secret.
func (m *MemoryAuthenticator) Authenticate(_ context.Context, ident string, secretHash, rand []byte) (*AccessContext, error) {
	m.mu.RLock()
	rec, ok := m.users[ident]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !wire.VerifySecret(rand, rec.secret, secretHash) {
		return nil, nil
	}

	return NewAccessContext(ident, rec.pubChannels, rec.subChannels), nil
}
