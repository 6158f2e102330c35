package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/filter"
)

// StoreOpts configures a Store.
type StoreOpts struct {
	Backend Backend
	Log     zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// ErrCorrupt is returned when the stored document cannot be decoded. The
// document is left as it is for the operator to repair.
var ErrCorrupt = errors.New("state: stored document is malformed")

// maxConflictRetries bounds how often a mutation re-reads the backend after
// losing a race with another writer.
const maxConflictRetries = 5

// Store owns the in-memory state and its persistence. Every mutation holds
// the store lock, re-reads the backend, applies the change to a copy and
// writes it conditionally on the revision it read, so writers sharing a
// backend never overwrite each other's changes. The in-memory state only
// changes once the write succeeded. Slices handed out by the store are
// never modified in place.
type Store struct {
	backend Backend
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	state     State
	rev       string
	lastWrite time.Time
}

// Patch is an additive change. List fields are unioned into the current
// state; Accounts entries create missing identities and overwrite the
// scalar fields that are set.
type Patch struct {
	TargetGroups []int64
	Keywords     []string
	IgnoreUsers  []int64
	Scopes       map[string][]int64
	Accounts     map[string]AccountPatch
}

// AccountPatch sets individual account fields; nil fields are left alone.
type AccountPatch struct {
	Enabled *bool
	AddedAt *time.Time
}

// NewStore returns a Store holding the empty state. Call Load to read the
// backend.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("state: backend is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: opts.Backend,
		log:     opts.Log,
		now:     now,
		state:   Empty(),
	}, nil
}

// fetch reads and decodes the backend. A missing document is the empty
// state at the empty revision.
func (s *Store) fetch(ctx context.Context) (State, string, error) {
	doc, err := s.backend.Read(ctx)
	if errors.Is(err, ErrNoState) {
		return Empty(), "", nil
	}
	if err != nil {
		return State{}, "", err
	}
	st, legacy, err := decode(doc.Data)
	if err != nil {
		return State{}, doc.Revision, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.backend, err)
	}
	if legacy {
		s.log.Info().Int("accounts", len(st.Accounts)).Msg("migrated legacy clients list")
	}
	return st, doc.Revision, nil
}

// Load replaces the in-memory state with the backend's content. Missing or
// malformed data yields the empty state; the problem is logged and the
// backend is left untouched. Mutations keep failing with ErrCorrupt until
// the stored document is repaired or replaced by an explicit Save.
func (s *Store) Load(ctx context.Context) State {
	st, rev, err := s.fetch(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		s.log.Error().Err(err).Msg("state malformed, starting empty")
		st = Empty()
	case err != nil:
		s.log.Error().Err(err).Str("backend", s.backend.String()).Msg("state unreadable, starting empty")
		st = Empty()
	case rev == "":
		s.log.Info().Str("backend", s.backend.String()).Msg("no saved state, starting empty")
	}

	s.mu.Lock()
	s.state = st
	s.rev = rev
	s.mu.Unlock()
	return st.clone()
}

// Reload refreshes the in-memory state from the backend. Unlike Load it
// keeps the current state and returns the error when the backend cannot be
// read or decoded.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, rev, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.state = st
	s.rev = rev
	return nil
}

// Save writes the in-memory state to the backend. It replaces a malformed
// stored document but fails with ErrConflict if another writer saved since
// the last read.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, err := s.write(ctx, s.state, s.rev)
	if err != nil {
		return err
	}
	s.rev = rev
	return nil
}

func (s *Store) write(ctx context.Context, st State, expect string) (string, error) {
	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return "", fmt.Errorf("state: encode: %w", err)
	}
	rev, err := s.backend.Write(ctx, data, expect)
	if err != nil {
		return "", err
	}
	s.lastWrite = s.now()
	return rev, nil
}

// update runs fn against a fresh copy of the stored state and persists the
// copy when fn reports a change. found is passed through from fn.
func (s *Store) update(ctx context.Context, fn func(st *State) (found, changed bool)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		base, rev, err := s.fetch(ctx)
		if err != nil {
			return false, err
		}
		next := base.clone()
		found, changed := fn(&next)
		if !changed {
			s.state, s.rev = base, rev
			return found, nil
		}

		newRev, err := s.write(ctx, next, rev)
		if errors.Is(err, ErrConflict) && attempt < maxConflictRetries {
			s.log.Debug().Int("attempt", attempt+1).Msg("state changed underneath, retrying")
			continue
		}
		if err != nil {
			return false, err
		}
		s.state, s.rev = next, newRev
		return found, nil
	}
}

// LastWrite reports when the store last persisted successfully.
func (s *Store) LastWrite() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastWrite
}

// Merge applies p and persists the result.
func (s *Store) Merge(ctx context.Context, p Patch) error {
	_, err := s.update(ctx, func(st *State) (bool, bool) {
		if len(p.TargetGroups) > 0 {
			st.TargetGroups = unionInt64(st.TargetGroups, p.TargetGroups)
		}
		if len(p.Keywords) > 0 {
			st.Keywords = unionStrings(st.Keywords, p.Keywords)
		}
		if len(p.IgnoreUsers) > 0 {
			st.IgnoreUsers = unionInt64(st.IgnoreUsers, p.IgnoreUsers)
		}
		for id, ap := range p.Accounts {
			acct, ok := st.Accounts[id]
			if !ok {
				acct = Account{AddedAt: s.now().UTC()}
				st.Clients[id] = []int64{}
			}
			if ap.Enabled != nil {
				acct.Enabled = *ap.Enabled
			}
			if ap.AddedAt != nil {
				acct.AddedAt = ap.AddedAt.UTC()
			}
			st.Accounts[id] = acct
		}
		for id, groups := range p.Scopes {
			if _, ok := st.Accounts[id]; !ok {
				s.log.Warn().Str("identity", id).Msg("scope update for unknown identity dropped")
				continue
			}
			st.Clients[id] = unionInt64(st.Clients[id], groups)
		}
		return true, true
	})
	return err
}

// AddIdentity records id if it is not already known. Existing identities are
// left unchanged.
func (s *Store) AddIdentity(ctx context.Context, id string, enabled bool) (bool, error) {
	return s.update(ctx, func(st *State) (bool, bool) {
		if _, ok := st.Accounts[id]; ok {
			return false, false
		}
		st.Accounts[id] = Account{Enabled: enabled, AddedAt: s.now().UTC()}
		st.Clients[id] = []int64{}
		return true, true
	})
}

// SetEnabled updates the enabled flag of a known identity. It reports false
// without writing when id is unknown.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	return s.update(ctx, func(st *State) (bool, bool) {
		acct, ok := st.Accounts[id]
		if !ok {
			return false, false
		}
		if acct.Enabled == enabled {
			return true, false
		}
		acct.Enabled = enabled
		st.Accounts[id] = acct
		return true, true
	})
}

// RemoveKeyword deletes k from the keyword list.
func (s *Store) RemoveKeyword(ctx context.Context, k string) (bool, error) {
	return s.update(ctx, func(st *State) (bool, bool) {
		i := slices.Index(st.Keywords, k)
		if i < 0 {
			return false, false
		}
		st.Keywords = slices.Delete(st.Keywords, i, i+1)
		return true, true
	})
}

// UnignoreUser deletes id from the ignore list.
func (s *Store) UnignoreUser(ctx context.Context, id int64) (bool, error) {
	return s.update(ctx, func(st *State) (bool, bool) {
		i := slices.Index(st.IgnoreUsers, id)
		if i < 0 {
			return false, false
		}
		st.IgnoreUsers = slices.Delete(st.IgnoreUsers, i, i+1)
		return true, true
	})
}

// DeleteIdentity removes id and its scope.
func (s *Store) DeleteIdentity(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, func(st *State) (bool, bool) {
		if _, ok := st.Accounts[id]; !ok {
			return false, false
		}
		delete(st.Accounts, id)
		delete(st.Clients, id)
		return true, true
	})
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Identity returns the identity with the given id.
func (s *Store) Identity(id string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.state.Accounts[id]
	if !ok {
		return Identity{}, false
	}
	return Identity{
		ID:      id,
		Scope:   slices.Clone(s.state.Clients[id]),
		Enabled: acct.Enabled,
		AddedAt: acct.AddedAt,
	}, true
}

// Identities returns every identity sorted by id.
func (s *Store) Identities() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Identities()
}

// Keywords returns the current keyword list.
func (s *Store) Keywords() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.Keywords)
}

// IgnoredUsers returns the current ignore list.
func (s *Store) IgnoredUsers() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.IgnoreUsers)
}

// Rules returns the filtering rules that apply to messages seen by
// identity. With scopeOnly set, the identity's discovered chats are added to
// the target groups.
func (s *Store) Rules(identity string, scopeOnly bool) filter.Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := s.state.TargetGroups
	if scopeOnly {
		allowed = slices.Concat(allowed, s.state.Clients[identity])
	}
	return filter.Rules{
		Keywords:       s.state.Keywords,
		IgnoredSenders: s.state.IgnoreUsers,
		AllowedChats:   allowed,
	}
}
