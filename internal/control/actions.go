// Package control implements the operator surface: account management,
// rule editing, group discovery and statistics, reachable from chat
// commands, buttons, the CLI and the dashboard.
package control

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/chat"
	"github.com/zulandar/tgrelay/internal/relay"
	"github.com/zulandar/tgrelay/internal/state"
)

// Lifecycle is the part of relay.Controller the operator drives.
type Lifecycle interface {
	Toggle(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	Live(id string) bool
	LiveCount() int
}

// GroupScanner runs group discovery.
type GroupScanner interface {
	Run(ctx context.Context, progress func(string)) ([]relay.IdentityScan, error)
}

// Counters supplies the router's message counters.
type Counters interface {
	Stats() relay.RouterStats
}

const (
	msgNoAccounts      = "No accounts added yet."
	msgAccountNotFound = "❌ Account not found."
	msgInvalidUserID   = "Invalid user ID format. Please enter a numeric user ID."
	msgEmptyKeyword    = "Keyword cannot be empty."
)

// ActionsOpts configures Actions.
type ActionsOpts struct {
	Store     *state.Store
	Lifecycle Lifecycle
	Discovery GroupScanner
	Counters  Counters
	Log       zerolog.Logger
}

// Actions are the operator operations. Each returns text meant for a human;
// internal errors are logged, never shown.
type Actions struct {
	store     *state.Store
	lifecycle Lifecycle
	discovery GroupScanner
	counters  Counters
	log       zerolog.Logger
}

// NewActions creates Actions.
func NewActions(opts ActionsOpts) (*Actions, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("control: store is required")
	}
	if opts.Lifecycle == nil {
		return nil, fmt.Errorf("control: lifecycle is required")
	}
	if opts.Discovery == nil {
		return nil, fmt.Errorf("control: discovery is required")
	}
	return &Actions{
		store:     opts.Store,
		lifecycle: opts.Lifecycle,
		discovery: opts.Discovery,
		counters:  opts.Counters,
		log:       opts.Log,
	}, nil
}

// AccountView is one account as shown to operators.
type AccountView struct {
	ID      string    `json:"id"`
	Groups  int       `json:"groups"`
	Enabled bool      `json:"enabled"`
	Live    bool      `json:"live"`
	AddedAt time.Time `json:"added_at,omitzero"`
}

// Accounts lists every known account.
func (a *Actions) Accounts() []AccountView {
	idents := a.store.Identities()
	out := make([]AccountView, 0, len(idents))
	for _, ident := range idents {
		out = append(out, AccountView{
			ID:      ident.ID,
			Groups:  len(ident.Scope),
			Enabled: ident.Enabled,
			Live:    a.lifecycle.Live(ident.ID),
			AddedAt: ident.AddedAt,
		})
	}
	return out
}

// ShowAccounts renders one message per account with its toggle and delete
// buttons.
func (a *Actions) ShowAccounts() []chat.OutboundMessage {
	accounts := a.Accounts()
	if len(accounts) == 0 {
		return []chat.OutboundMessage{{Text: msgNoAccounts}}
	}
	out := make([]chat.OutboundMessage, 0, len(accounts))
	for _, acct := range accounts {
		status, toggle := "🔴 Inactive", "✅ Enable"
		if acct.Live {
			status, toggle = "🟢 Active", "❌ Disable"
		}
		out = append(out, chat.OutboundMessage{
			Text: fmt.Sprintf("📱 Phone: %s\n👥 Groups: %d\n📊 Status: %s\n", acct.ID, acct.Groups, status),
			Buttons: [][]chat.Button{{
				chat.ActionButton(toggle, chat.ActionToggle, acct.ID),
				{Label: "🗑 Delete", Action: chat.ActionDelete, Value: acct.ID, Danger: true},
			}},
		})
	}
	return out
}

// Toggle switches an account on or off.
func (a *Actions) Toggle(ctx context.Context, id string) string {
	enabled, err := a.lifecycle.Toggle(ctx, id)
	switch {
	case errors.Is(err, relay.ErrUnknownIdentity):
		return msgAccountNotFound
	case errors.Is(err, relay.ErrAuthFailure):
		a.log.Warn().Err(err).Str("identity", id).Msg("toggle: not authorized")
		return fmt.Sprintf("❌ Account %s is no longer authorized. Add it again to log in.", id)
	case err != nil:
		a.log.Error().Err(err).Str("identity", id).Msg("toggle")
		return "❌ Error toggling account status"
	case enabled:
		return fmt.Sprintf("✅ Account %s enabled", id)
	default:
		return fmt.Sprintf("✅ Account %s disabled", id)
	}
}

// Delete removes an account and its stored login.
func (a *Actions) Delete(ctx context.Context, id string) string {
	err := a.lifecycle.Delete(ctx, id)
	switch {
	case errors.Is(err, relay.ErrUnknownIdentity):
		return msgAccountNotFound
	case err != nil:
		a.log.Error().Err(err).Str("identity", id).Msg("delete")
		return "❌ Error deleting account"
	}
	return fmt.Sprintf("✅ Account %s deleted successfully", id)
}

// UpdateGroups runs group discovery, sending status lines to progress, and
// returns a summary.
func (a *Actions) UpdateGroups(ctx context.Context, progress func(string)) string {
	if a.lifecycle.LiveCount() == 0 {
		return "No active accounts to scan."
	}
	if progress != nil {
		progress("🔄 Identifying groups for each account...")
	}
	results, err := a.discovery.Run(ctx, progress)
	if errors.Is(err, relay.ErrDiscoveryRunning) {
		return "⏳ Group discovery is already running."
	}

	var groups, done int
	var failed []string
	for _, r := range results {
		if r.Phase == relay.PhaseDone {
			done++
			groups += len(r.Groups)
			continue
		}
		failed = append(failed, r.Identity)
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("group discovery interrupted")
		return fmt.Sprintf("⚠️ Group discovery stopped early. %d groups saved for %d accounts.", groups, done)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ %d groups identified and saved for %d of %d accounts", groups, done, len(results))
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\n⚠️ Failed: %s", strings.Join(failed, ", "))
	}
	return b.String()
}

// AddKeyword adds k to the keyword list.
func (a *Actions) AddKeyword(ctx context.Context, k string) string {
	k = strings.TrimSpace(k)
	if k == "" {
		return msgEmptyKeyword
	}
	var head string
	if slices.ContainsFunc(a.store.Keywords(), func(v string) bool { return strings.EqualFold(v, k) }) {
		head = fmt.Sprintf("⚠️ Keyword '%s' already exists", k)
	} else {
		if err := a.store.Merge(ctx, state.Patch{Keywords: []string{k}}); err != nil {
			a.log.Error().Err(err).Str("keyword", k).Msg("add keyword")
			return "❌ Error adding keyword"
		}
		head = fmt.Sprintf("✅ Keyword '%s' added successfully", k)
	}
	return head + "\n\n" + a.ListKeywords()
}

// RemoveKeyword deletes k from the keyword list.
func (a *Actions) RemoveKeyword(ctx context.Context, k string) string {
	k = strings.TrimSpace(k)
	if k == "" {
		return msgEmptyKeyword
	}
	removed, err := a.store.RemoveKeyword(ctx, k)
	if err != nil {
		a.log.Error().Err(err).Str("keyword", k).Msg("remove keyword")
		return "❌ Error removing keyword"
	}
	head := fmt.Sprintf("✅ Keyword '%s' removed successfully", k)
	if !removed {
		head = fmt.Sprintf("⚠️ Keyword '%s' not found", k)
	}
	return head + "\n\n" + a.ListKeywords()
}

// ListKeywords renders the keyword list.
func (a *Actions) ListKeywords() string {
	return "📝 Current keywords: " + joinOrNone(a.store.Keywords())
}

// IgnoreUser adds a sender id to the ignore list.
func (a *Actions) IgnoreUser(ctx context.Context, raw string) string {
	id, ok := parseUserID(raw)
	if !ok {
		return msgInvalidUserID
	}
	var head string
	if slices.Contains(a.store.IgnoredUsers(), id) {
		head = fmt.Sprintf("User ID %d is already ignored", id)
	} else {
		if err := a.store.Merge(ctx, state.Patch{IgnoreUsers: []int64{id}}); err != nil {
			a.log.Error().Err(err).Int64("user_id", id).Msg("ignore user")
			return "❌ Error ignoring user"
		}
		head = fmt.Sprintf("User ID %d is now ignored", id)
	}
	return head + "\n\n" + a.ListIgnored()
}

// UnignoreUser removes a sender id from the ignore list.
func (a *Actions) UnignoreUser(ctx context.Context, raw string) string {
	id, ok := parseUserID(raw)
	if !ok {
		return msgInvalidUserID
	}
	removed, err := a.store.UnignoreUser(ctx, id)
	if err != nil {
		a.log.Error().Err(err).Int64("user_id", id).Msg("unignore user")
		return "❌ Error removing ignored user"
	}
	head := fmt.Sprintf("User ID %d is no longer ignored", id)
	if !removed {
		head = fmt.Sprintf("User ID %d not found in ignored list", id)
	}
	return head + "\n\n" + a.ListIgnored()
}

// ListIgnored renders the ignore list.
func (a *Actions) ListIgnored() string {
	ids := a.store.IgnoredUsers()
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	return "📋 Ignored users: " + joinOrNone(strs)
}

// Stats is the statistics snapshot shared by chat and the dashboard.
type Stats struct {
	TotalAccounts   int   `json:"total_accounts"`
	ActiveAccounts  int   `json:"active_accounts"`
	Keywords        int   `json:"keywords"`
	IgnoredUsers    int   `json:"ignored_users"`
	TargetGroups    int   `json:"target_groups"`
	MonitoredGroups int   `json:"monitored_groups"`
	Received        int64 `json:"messages_received"`
	Forwarded       int64 `json:"messages_forwarded"`
	SendFailures    int64 `json:"send_failures"`
}

// Stats collects the current statistics.
func (a *Actions) Stats() Stats {
	snap := a.store.Snapshot()
	groups := make(map[int64]struct{})
	for _, scope := range snap.Clients {
		for _, g := range scope {
			groups[g] = struct{}{}
		}
	}
	st := Stats{
		TotalAccounts:   len(snap.Accounts),
		ActiveAccounts:  a.lifecycle.LiveCount(),
		Keywords:        len(snap.Keywords),
		IgnoredUsers:    len(snap.IgnoreUsers),
		TargetGroups:    len(snap.TargetGroups),
		MonitoredGroups: len(groups),
	}
	if a.counters != nil {
		rs := a.counters.Stats()
		st.Received, st.Forwarded, st.SendFailures = rs.Received, rs.Forwarded, rs.SendFailures
	}
	return st
}

// ShowStats renders Stats for chat.
func (a *Actions) ShowStats() string {
	st := a.Stats()
	var b strings.Builder
	b.WriteString("📊 Bot Statistics\n\n")
	fmt.Fprintf(&b, "• Total Accounts: %d\n", st.TotalAccounts)
	fmt.Fprintf(&b, "• Active Accounts: %d\n", st.ActiveAccounts)
	fmt.Fprintf(&b, "• Keywords: %d\n", st.Keywords)
	fmt.Fprintf(&b, "• Ignored Users: %d\n", st.IgnoredUsers)
	fmt.Fprintf(&b, "• Monitored Groups: %d\n", st.MonitoredGroups)
	if st.TargetGroups > 0 {
		fmt.Fprintf(&b, "• Target Groups: %d\n", st.TargetGroups)
	}
	fmt.Fprintf(&b, "• Messages Received: %d\n", st.Received)
	fmt.Fprintf(&b, "• Messages Forwarded: %d\n", st.Forwarded)
	if st.SendFailures > 0 {
		fmt.Fprintf(&b, "• Send Failures: %d\n", st.SendFailures)
	}
	return b.String()
}

func parseUserID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func joinOrNone(list []string) string {
	if len(list) == 0 {
		return "(none)"
	}
	return strings.Join(list, ", ")
}
