// Package share tracks the human participants of a shared session: who they are, which
// nickname they hold, and when they were last seen.
package share

import (
	"errors"
	"sort"
	"sync"
	"time"

	"convohub/internal/logging"
	"convohub/internal/types"
)

var (
	// ErrNicknameTaken is returned by Register when another user holds the nickname.
	ErrNicknameTaken = errors.New("nickname taken")
	// ErrNicknameConflict is returned by Sync when a different user now holds the nickname.
	ErrNicknameConflict = errors.New("nickname held by another user")
	// ErrInvalidUser is returned for empty user ids or nicknames.
	ErrInvalidUser = errors.New("user id and nickname are required")
)

// SyncStatus is the outcome of a successful Sync.
type SyncStatus string

const (
	SyncOK         SyncStatus = "ok"
	SyncRegistered SyncStatus = "registered"
)

// Registry holds the users of one session. Nicknames are unique and case-sensitive.
type Registry struct {
	mu         sync.RWMutex
	users      map[string]*types.ShareUser // by user id
	byNickname map[string]string           // nickname -> user id
	now        func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:      make(map[string]*types.ShareUser),
		byNickname: make(map[string]string),
		now:        types.Now,
	}
}

// Register binds nickname to userID. Registering the same pair again is a no-op; a known
// user registering a free nickname is renamed.
func (r *Registry) Register(userID, nickname string) (types.ShareUser, error) {
	if userID == "" || nickname == "" {
		return types.ShareUser{}, ErrInvalidUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.byNickname[nickname]; ok && holder != userID {
		return types.ShareUser{}, ErrNicknameTaken
	}
	return r.put(userID, nickname), nil
}

// put must be called with mu held.
func (r *Registry) put(userID, nickname string) types.ShareUser {
	now := r.now()
	u, ok := r.users[userID]
	if !ok {
		u = &types.ShareUser{ID: userID, Nickname: nickname, JoinedAt: now, LastSeen: now}
		r.users[userID] = u
		logging.Share("user %s joined as %q", userID, nickname)
	} else if u.Nickname != nickname {
		delete(r.byNickname, u.Nickname)
		logging.Share("user %s renamed %q -> %q", userID, u.Nickname, nickname)
		u.Nickname = nickname
	}
	u.LastSeen = now
	r.byNickname[nickname] = userID
	return *u
}

// Sync reconciles a client's remembered identity after reconnecting.
func (r *Registry) Sync(userID, nickname string) (SyncStatus, types.ShareUser, error) {
	if userID == "" || nickname == "" {
		return "", types.ShareUser{}, ErrInvalidUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	holder, held := r.byNickname[nickname]
	switch {
	case held && holder == userID:
		u := r.users[userID]
		u.LastSeen = r.now()
		return SyncOK, *u, nil
	case held:
		return "", types.ShareUser{}, ErrNicknameConflict
	default:
		return SyncRegistered, r.put(userID, nickname), nil
	}
}

// IsOwn reports whether a message sent by senderID belongs to ownID.
func IsOwn(senderID, ownID string) bool {
	return senderID != "" && senderID == ownID
}

// Touch refreshes a user's lastSeen.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.LastSeen = r.now()
	}
}

// Lookup returns the user with userID.
func (r *Registry) Lookup(userID string) (types.ShareUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return types.ShareUser{}, false
	}
	return *u, true
}

// Users returns all users ordered by join time.
func (r *Registry) Users() []types.ShareUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ShareUser, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Clear forgets every user.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.users) > 0 {
		logging.ShareDebug("clearing %d users", len(r.users))
	}
	r.users = make(map[string]*types.ShareUser)
	r.byNickname = make(map[string]string)
}
