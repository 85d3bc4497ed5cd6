package auth

import (
	"context"
	"fmt"
	"strings"
)

// StaticAuthenticator checks tokens against a fixed allow-list of bcrypt hashes.
type StaticAuthenticator struct {
	hashes map[string]string // player id -> bcrypt hash
}

func NewStaticAuthenticator(hashes map[string]string) *StaticAuthenticator {
	copied := make(map[string]string, len(hashes))
	for id, hash := range hashes {
		copied[id] = hash
	}
	return &StaticAuthenticator{hashes: copied}
}

// ParseStaticUsers reads "id:hash,id:hash". bcrypt hashes contain '$' but
// never ':' or ',', so the first ':' separates the id.
func ParseStaticUsers(list string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hash, ok := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		hash = strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("auth: invalid static user entry %q", entry)
		}
		if err := checkHash(hash); err != nil {
			return nil, fmt.Errorf("auth: static user %q: %w", id, err)
		}
		users[id] = hash
	}
	return users, nil
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, frame []byte) (Principal, error) {
	identity, err := ParseIdentity(frame)
	if err != nil {
		return Principal{}, err
	}
	hash, ok := a.hashes[identity.PlayerID]
	if !ok {
		return Principal{}, Reject("invalid credentials")
	}
	if !tokenMatches(hash, identity.Token) {
		return Principal{}, Reject("invalid credentials")
	}
	return Principal{ID: identity.PlayerID}, nil
}
