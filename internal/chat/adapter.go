// Package chat connects the relay to the platform that carries the output
// channel and the operator controls (Discord, Slack or a Telegram bot).
package chat

import (
	"context"
	"strings"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. One adapter delivers forwarded messages to the output channel and
// surfaces operator input back to the relay.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform. Callers
	// should stop reading when their context ends; adapters that cannot
	// close the channel safely stop delivering after Close instead.
	// Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Event is either a MessageEvent or an ActionEvent.
type Event interface {
	isEvent()
}

// MessageEvent is a text message typed by a user.
type MessageEvent struct {
	Platform  string // e.g. "slack", "discord"
	ChannelID string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// ActionEvent is a button press on a message the relay sent earlier.
type ActionEvent struct {
	Platform  string
	ChannelID string
	UserID    string
	UserName  string
	Action    string // e.g. ActionIgnore
	Value     string // action argument, e.g. a sender id
	Timestamp time.Time
}

func (MessageEvent) isEvent() {}
func (ActionEvent) isEvent()  {}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID          string
	Text               string
	Buttons            [][]Button // rows of buttons
	DisableLinkPreview bool
}

// Button is either a link (URL set) or an action (Action set).
type Button struct {
	Label  string
	URL    string
	Action string
	Value  string
	Danger bool
}

// LinkButton opens url when pressed.
func LinkButton(label, url string) Button {
	return Button{Label: label, URL: url}
}

// ActionButton emits an ActionEvent carrying action and value when pressed.
func ActionButton(label, action, value string) Button {
	return Button{Label: label, Action: action, Value: value}
}

// Action identifiers carried by ActionEvent.
const (
	ActionIgnore        = "ignore"
	ActionToggle        = "toggle"
	ActionDelete        = "delete"
	ActionAddAccount    = "add_account"
	ActionShowAccounts  = "show_accounts"
	ActionUpdateGroups  = "update_groups"
	ActionAddKeyword    = "add_keyword"
	ActionRemoveKeyword = "remove_keyword"
	ActionIgnoreUser    = "ignore_user"
	ActionUnignoreUser  = "unignore_user"
	ActionShowStats     = "show_stats"
)

// EncodeAction packs an action and its value into a single platform
// callback identifier.
func EncodeAction(action, value string) string {
	if value == "" {
		return action
	}
	return action + ":" + value
}

// DecodeAction reverses EncodeAction.
func DecodeAction(id string) (action, value string) {
	action, value, _ = strings.Cut(id, ":")
	return action, value
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
