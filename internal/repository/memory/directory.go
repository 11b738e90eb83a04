package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"callsignal/internal/domain"
)

// Directory is an in-memory user/group directory with a block list
type Directory struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]*domain.User
	groups  map[uuid.UUID]*domain.Group
	blocked map[[2]uuid.UUID]bool
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		users:   make(map[uuid.UUID]*domain.User),
		groups:  make(map[uuid.UUID]*domain.Group),
		blocked: make(map[[2]uuid.UUID]bool),
	}
}

// AddUser registers a user
func (d *Directory) AddUser(u *domain.User) {
	d.mu.Lock()
	d.users[u.UserID] = u
	d.mu.Unlock()
}

// AddGroup registers a group
func (d *Directory) AddGroup(g *domain.Group) {
	d.mu.Lock()
	d.groups[g.GroupID] = g
	d.mu.Unlock()
}

// Block records that blocker does not accept calls from blocked
func (d *Directory) Block(blockerID, blockedID uuid.UUID) {
	d.mu.Lock()
	d.blocked[[2]uuid.UUID{blockerID, blockedID}] = true
	d.mu.Unlock()
}

func (d *Directory) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *Directory) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.groups[groupID]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	cp := *g
	cp.MemberIDs = append([]uuid.UUID(nil), g.MemberIDs...)
	return &cp, nil
}

func (d *Directory) IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blocked[[2]uuid.UUID{blockerID, blockedID}], nil
}

// Seed is the file format LoadSeed reads
type Seed struct {
	Users   []*domain.User  `json:"users"`
	Groups  []*domain.Group `json:"groups"`
	Blocked []struct {
		BlockerID uuid.UUID `json:"blocker_id"`
		BlockedID uuid.UUID `json:"blocked_id"`
	} `json:"blocked"`
}

// LoadSeed adds the users, groups and blocks from a JSON seed document
func (d *Directory) LoadSeed(r io.Reader) error {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return fmt.Errorf("failed to decode directory seed: %w", err)
	}

	for _, u := range seed.Users {
		if u == nil || u.UserID == uuid.Nil {
			return fmt.Errorf("directory seed: user without user_id")
		}
		d.AddUser(u)
	}
	for _, g := range seed.Groups {
		if g == nil || g.GroupID == uuid.Nil {
			return fmt.Errorf("directory seed: group without group_id")
		}
		d.AddGroup(g)
	}
	for _, b := range seed.Blocked {
		d.Block(b.BlockerID, b.BlockedID)
	}
	return nil
}

// Len reports how many users and groups are registered
func (d *Directory) Len() (users, groups int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users), len(d.groups)
}
