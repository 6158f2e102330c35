// Package state holds the durable relay state: the filtering rules and the
// set of known accounts with their monitored chats. All mutations go
// through Store, which serializes them and persists after every change.
package state

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Account is the per-identity bookkeeping persisted alongside the scope.
type Account struct {
	Enabled bool      `json:"enabled"`
	AddedAt time.Time `json:"added_at,omitzero"`
}

// State is the persisted document. The upper-case keys are kept for
// compatibility with existing state files.
type State struct {
	TargetGroups []int64            `json:"TARGET_GROUPS"`
	Keywords     []string           `json:"KEYWORDS"`
	IgnoreUsers  []int64            `json:"IGNORE_USERS"`
	Clients      map[string][]int64 `json:"clients"`
	Accounts     map[string]Account `json:"accounts"`
}

// Identity is the merged view of one account.
type Identity struct {
	ID      string
	Scope   []int64
	Enabled bool
	AddedAt time.Time
}

// Empty returns the default state.
func Empty() State {
	s := State{}
	s.normalize()
	return s
}

// Identities returns every account sorted by id.
func (s State) Identities() []Identity {
	ids := slices.Sorted(maps.Keys(s.Accounts))
	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		acct := s.Accounts[id]
		out = append(out, Identity{
			ID:      id,
			Scope:   slices.Clone(s.Clients[id]),
			Enabled: acct.Enabled,
			AddedAt: acct.AddedAt,
		})
	}
	return out
}

func (s State) clone() State {
	out := State{
		TargetGroups: slices.Clone(s.TargetGroups),
		Keywords:     slices.Clone(s.Keywords),
		IgnoreUsers:  slices.Clone(s.IgnoreUsers),
		Clients:      make(map[string][]int64, len(s.Clients)),
		Accounts:     maps.Clone(s.Accounts),
	}
	for id, scope := range s.Clients {
		out.Clients[id] = slices.Clone(scope)
	}
	if out.Accounts == nil {
		out.Accounts = map[string]Account{}
	}
	return out
}

// normalize sorts and de-duplicates every list and makes sure the clients
// and accounts maps describe the same set of ids. Accounts that only exist
// in the clients map predate the accounts key and were always started, so
// they come back enabled.
func (s *State) normalize() {
	s.TargetGroups = unionInt64(nil, s.TargetGroups)
	s.IgnoreUsers = unionInt64(nil, s.IgnoreUsers)
	s.Keywords = unionStrings(nil, s.Keywords)
	if s.Clients == nil {
		s.Clients = map[string][]int64{}
	}
	if s.Accounts == nil {
		s.Accounts = map[string]Account{}
	}
	for id, scope := range s.Clients {
		s.Clients[id] = unionInt64(nil, scope)
		if _, ok := s.Accounts[id]; !ok {
			s.Accounts[id] = Account{Enabled: true}
		}
	}
	for id := range s.Accounts {
		if _, ok := s.Clients[id]; !ok {
			s.Clients[id] = []int64{}
		}
	}
}

// unionInt64 returns a new sorted, de-duplicated slice; inputs are never
// modified.
func unionInt64(a, b []int64) []int64 {
	out := slices.Concat(a, b)
	if out == nil {
		return []int64{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func unionStrings(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, v := range slices.Concat(a, b) {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// decode parses a state document, accepting the legacy clients forms: a
// list of ids, or a list of {session, groups, added_date, disabled}
// objects. legacy reports whether such a form was found.
func decode(data []byte) (st State, legacy bool, err error) {
	var raw struct {
		TargetGroups []int64            `json:"TARGET_GROUPS"`
		Keywords     []string           `json:"KEYWORDS"`
		IgnoreUsers  []int64            `json:"IGNORE_USERS"`
		Clients      json.RawMessage    `json:"clients"`
		Accounts     map[string]Account `json:"accounts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, false, fmt.Errorf("state: decode: %w", err)
	}

	st = State{
		TargetGroups: raw.TargetGroups,
		Keywords:     raw.Keywords,
		IgnoreUsers:  raw.IgnoreUsers,
		Clients:      map[string][]int64{},
		Accounts:     raw.Accounts,
	}
	if st.Accounts == nil {
		st.Accounts = map[string]Account{}
	}

	trimmed := strings.TrimSpace(string(raw.Clients))
	switch {
	case trimmed == "" || trimmed == "null":
	case strings.HasPrefix(trimmed, "{"):
		if err := json.Unmarshal(raw.Clients, &st.Clients); err != nil {
			return State{}, false, fmt.Errorf("state: decode clients: %w", err)
		}
	case strings.HasPrefix(trimmed, "["):
		if err := decodeLegacyClients(raw.Clients, &st); err != nil {
			return State{}, false, err
		}
		legacy = true
	default:
		return State{}, false, fmt.Errorf("state: decode clients: unexpected value %.20s", trimmed)
	}

	st.normalize()
	return st, legacy, nil
}

type legacyClient struct {
	Session   string  `json:"session"`
	Phone     string  `json:"phone_number"`
	Groups    []int64 `json:"groups"`
	AddedDate string  `json:"added_date"`
	Disabled  bool    `json:"disabled"`
}

func decodeLegacyClients(data []byte, st *State) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("state: decode legacy clients: %w", err)
	}
	for _, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			id = strings.TrimSuffix(id, ".session")
			if id != "" {
				st.Clients[id] = unionInt64(st.Clients[id], nil)
			}
			continue
		}

		var lc legacyClient
		if err := json.Unmarshal(item, &lc); err != nil {
			return fmt.Errorf("state: decode legacy client: %w", err)
		}
		id = strings.TrimSuffix(cmp.Or(lc.Session, lc.Phone), ".session")
		if id == "" {
			continue
		}
		st.Clients[id] = unionInt64(st.Clients[id], lc.Groups)
		if _, ok := st.Accounts[id]; !ok {
			st.Accounts[id] = Account{Enabled: !lc.Disabled, AddedAt: parseLegacyTime(lc.AddedDate)}
		}
	}
	return nil
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
