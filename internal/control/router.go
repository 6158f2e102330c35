package control

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/chat"
	"github.com/zulandar/tgrelay/internal/onboarding"
)

// commandPrefix is the prefix that triggers command handling.
const commandPrefix = "!relay"

// defaultPromptTTL bounds how long a question waits for its answer.
const defaultPromptTTL = 5 * time.Minute

// Prompt texts for two-step actions.
const (
	promptAddKeyword    = "Please enter the keyword you want to add."
	promptRemoveKeyword = "Please enter the keyword you want to remove."
	promptIgnoreUser    = "Please enter the user ID you want to ignore."
	promptUnignoreUser  = "Please enter the user ID you want to stop ignoring."
)

// NewConversationFunc starts an onboarding conversation.
type NewConversationFunc func() (*onboarding.Conversation, error)

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Actions *Actions
	Adapter chat.Adapter
	// Operators allowed to use the controls. Empty allows everyone who can
	// post in the channel.
	Operators       []string
	NewConversation NewConversationFunc
	PromptTTL       time.Duration
	Log             zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Router turns inbound chat events into operator actions and sends the
// replies back to the channel the event came from.
type Router struct {
	actions   *Actions
	adapter   chat.Adapter
	operators []string
	newConv   NewConversationFunc
	ttl       time.Duration
	log       zerolog.Logger
	now       func() time.Time

	prompts *prompts
	wg      sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Actions == nil {
		return nil, fmt.Errorf("control: router: actions are required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("control: router: adapter is required")
	}
	ttl := opts.PromptTTL
	if ttl <= 0 {
		ttl = defaultPromptTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		actions:   opts.Actions,
		adapter:   opts.Adapter,
		operators: slices.Clone(opts.Operators),
		newConv:   opts.NewConversation,
		ttl:       ttl,
		log:       opts.Log,
		now:       now,
		prompts:   newPrompts(),
	}, nil
}

// Handle routes a single inbound event. Events from non-operators are
// dropped.
func (r *Router) Handle(ctx context.Context, ev chat.Event) {
	switch e := ev.(type) {
	case chat.MessageEvent:
		if !r.isOperator(e.UserID) {
			return
		}
		r.handleMessage(ctx, e)
	case chat.ActionEvent:
		if !r.isOperator(e.UserID) {
			r.log.Debug().Str("user_id", e.UserID).Str("action", e.Action).Msg("action from non-operator ignored")
			return
		}
		r.handleAction(ctx, e)
	}
}

// Wait blocks until background actions such as group discovery finish.
func (r *Router) Wait() { r.wg.Wait() }

// Sweep drops prompts that were never answered. Abandoned account logins
// are aborted and the operator is told.
func (r *Router) Sweep(ctx context.Context) {
	for key, pr := range r.prompts.expired(r.now()) {
		r.expire(ctx, key, pr)
	}
}

func (r *Router) expire(ctx context.Context, key string, pr *prompt) {
	pr.discard(ctx)
	if pr.conv == nil {
		return
	}
	channelID, _, _ := strings.Cut(key, "/")
	r.reply(ctx, channelID, "⌛ Account setup timed out. Please start again.")
	r.log.Info().Str("prompt", key).Msg("onboarding timed out")
}

// Pending returns the number of unanswered prompts.
func (r *Router) Pending() int { return r.prompts.len() }

func (r *Router) isOperator(userID string) bool {
	return len(r.operators) == 0 || slices.Contains(r.operators, userID)
}

func (r *Router) handleMessage(ctx context.Context, e chat.MessageEvent) {
	text := strings.TrimSpace(e.Text)
	key := promptKey(e.ChannelID, e.UserID)

	if isCommand(text) {
		r.prompts.take(key).discard(ctx)
		r.execute(ctx, e.ChannelID, e.UserID, parseCommand(text))
		return
	}

	pr := r.prompts.take(key)
	if pr == nil {
		return
	}
	if pr.stale(r.now()) {
		r.expire(ctx, key, pr)
		return
	}
	r.answer(ctx, e.ChannelID, key, pr, text)
}

// answer feeds text to the prompt it replies to.
func (r *Router) answer(ctx context.Context, channelID, key string, pr *prompt, text string) {
	switch pr.action {
	case chat.ActionAddKeyword:
		r.reply(ctx, channelID, r.actions.AddKeyword(ctx, text))
	case chat.ActionRemoveKeyword:
		r.reply(ctx, channelID, r.actions.RemoveKeyword(ctx, text))
	case chat.ActionIgnoreUser:
		r.reply(ctx, channelID, r.actions.IgnoreUser(ctx, text))
	case chat.ActionUnignoreUser:
		r.reply(ctx, channelID, r.actions.UnignoreUser(ctx, text))
	case chat.ActionAddAccount:
		reply := pr.conv.Handle(ctx, text)
		if !reply.Step.Finished() {
			r.prompts.put(key, pr)
		}
		if reply.Text != "" {
			r.reply(ctx, channelID, reply.Text)
		}
	}
}

func (r *Router) handleAction(ctx context.Context, e chat.ActionEvent) {
	key := promptKey(e.ChannelID, e.UserID)
	switch e.Action {
	case chat.ActionIgnore:
		r.reply(ctx, e.ChannelID, r.actions.IgnoreUser(ctx, e.Value))
	case chat.ActionToggle:
		r.reply(ctx, e.ChannelID, r.actions.Toggle(ctx, e.Value))
	case chat.ActionDelete:
		r.reply(ctx, e.ChannelID, r.actions.Delete(ctx, e.Value))
	case chat.ActionShowAccounts:
		r.sendAll(ctx, e.ChannelID, r.actions.ShowAccounts())
	case chat.ActionUpdateGroups:
		r.updateGroups(ctx, e.ChannelID)
	case chat.ActionShowStats:
		r.reply(ctx, e.ChannelID, r.actions.ShowStats())
	case chat.ActionAddAccount:
		r.startOnboarding(ctx, e.ChannelID, key)
	case chat.ActionAddKeyword:
		r.ask(ctx, e.ChannelID, key, e.Action, promptAddKeyword)
	case chat.ActionRemoveKeyword:
		r.ask(ctx, e.ChannelID, key, e.Action, promptRemoveKeyword)
	case chat.ActionIgnoreUser:
		r.ask(ctx, e.ChannelID, key, e.Action, promptIgnoreUser)
	case chat.ActionUnignoreUser:
		r.ask(ctx, e.ChannelID, key, e.Action, promptUnignoreUser)
	default:
		r.log.Warn().Str("action", e.Action).Msg("unknown action")
	}
}

// ask posts a question and waits for the user's next message.
func (r *Router) ask(ctx context.Context, channelID, key, action, question string) {
	r.prompts.put(key, &prompt{action: action, expires: r.now().Add(r.ttl)}).discard(ctx)
	r.reply(ctx, channelID, question)
}

func (r *Router) startOnboarding(ctx context.Context, channelID, key string) {
	if r.newConv == nil {
		r.reply(ctx, channelID, "Adding accounts from chat is not available.")
		return
	}
	conv, err := r.newConv()
	if err != nil {
		r.log.Error().Err(err).Msg("start onboarding")
		r.reply(ctx, channelID, "Error occurred while adding account. Please try again.")
		return
	}
	pr := &prompt{action: chat.ActionAddAccount, conv: conv, expires: r.now().Add(r.ttl)}
	r.prompts.put(key, pr).discard(ctx)
	r.reply(ctx, channelID, onboarding.PromptPhone)
}

// updateGroups runs discovery in the background so the control loop stays
// responsive; progress lines are posted as they arrive.
func (r *Router) updateGroups(ctx context.Context, channelID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		progress := func(line string) { r.reply(ctx, channelID, line) }
		r.reply(ctx, channelID, r.actions.UpdateGroups(ctx, progress))
	}()
}

// execute runs a parsed "!relay" command.
func (r *Router) execute(ctx context.Context, channelID, userID string, args []string) {
	if len(args) == 0 {
		r.send(ctx, Menu(channelID))
		return
	}
	rest := strings.Join(args[1:], " ")
	switch args[0] {
	case "help", "menu", "start":
		r.send(ctx, Menu(channelID))
	case "accounts":
		r.sendAll(ctx, channelID, r.actions.ShowAccounts())
	case "add":
		r.startOnboarding(ctx, channelID, promptKey(channelID, userID))
	case "toggle":
		if rest == "" {
			r.reply(ctx, channelID, "Usage: `!relay toggle <account>`")
			return
		}
		r.reply(ctx, channelID, r.actions.Toggle(ctx, rest))
	case "delete":
		if rest == "" {
			r.reply(ctx, channelID, "Usage: `!relay delete <account>`")
			return
		}
		r.reply(ctx, channelID, r.actions.Delete(ctx, rest))
	case "groups":
		r.updateGroups(ctx, channelID)
	case "keyword":
		r.cmdKeyword(ctx, channelID, args[1:])
	case "keywords":
		r.reply(ctx, channelID, r.actions.ListKeywords())
	case "ignore":
		if rest == "" {
			r.reply(ctx, channelID, r.actions.ListIgnored())
			return
		}
		r.reply(ctx, channelID, r.actions.IgnoreUser(ctx, rest))
	case "unignore":
		r.reply(ctx, channelID, r.actions.UnignoreUser(ctx, rest))
	case "ignored":
		r.reply(ctx, channelID, r.actions.ListIgnored())
	case "stats":
		r.reply(ctx, channelID, r.actions.ShowStats())
	default:
		r.reply(ctx, channelID, fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], helpText))
	}
}

// cmdKeyword handles "!relay keyword add|remove <keyword>".
func (r *Router) cmdKeyword(ctx context.Context, channelID string, args []string) {
	if len(args) < 2 {
		r.reply(ctx, channelID, "Usage: `!relay keyword add <keyword>` or `!relay keyword remove <keyword>`")
		return
	}
	k := strings.Join(args[1:], " ")
	switch args[0] {
	case "add":
		r.reply(ctx, channelID, r.actions.AddKeyword(ctx, k))
	case "remove", "rm":
		r.reply(ctx, channelID, r.actions.RemoveKeyword(ctx, k))
	default:
		r.reply(ctx, channelID, fmt.Sprintf("Unknown keyword subcommand: `%s`", args[0]))
	}
}

func (r *Router) reply(ctx context.Context, channelID, text string) {
	r.send(ctx, chat.OutboundMessage{ChannelID: channelID, Text: text})
}

func (r *Router) sendAll(ctx context.Context, channelID string, msgs []chat.OutboundMessage) {
	for _, m := range msgs {
		m.ChannelID = channelID
		r.send(ctx, m)
	}
}

func (r *Router) send(ctx context.Context, msg chat.OutboundMessage) {
	if err := r.adapter.Send(ctx, msg); err != nil {
		r.log.Warn().Err(err).Str("channel", msg.ChannelID).Msg("send reply")
	}
}

// isCommand returns true if the text starts with the command prefix.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix+" ") || text == commandPrefix
}

// parseCommand strips the prefix and splits the remaining text.
func parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == commandPrefix {
		return nil
	}
	text = strings.TrimPrefix(text, commandPrefix+" ")
	return strings.Fields(text)
}

const helpText = "Commands:\n" +
	"`!relay` - show the menu\n" +
	"`!relay accounts` - list accounts\n" +
	"`!relay add` - add an account\n" +
	"`!relay toggle <account>` - enable or disable an account\n" +
	"`!relay delete <account>` - delete an account\n" +
	"`!relay groups` - update monitored groups\n" +
	"`!relay keyword add|remove <keyword>` - edit keywords\n" +
	"`!relay keywords` - list keywords\n" +
	"`!relay ignore <user id>` / `!relay unignore <user id>` - edit the ignore list\n" +
	"`!relay ignored` - list ignored users\n" +
	"`!relay stats` - show statistics"

// Menu is the main control menu with a button per action.
func Menu(channelID string) chat.OutboundMessage {
	return chat.OutboundMessage{
		ChannelID: channelID,
		Text:      "Telegram Relay Management\n\n" + helpText,
		Buttons: [][]chat.Button{
			{chat.ActionButton("Add Account", chat.ActionAddAccount, "")},
			{chat.ActionButton("Show Accounts", chat.ActionShowAccounts, "")},
			{chat.ActionButton("Update Groups", chat.ActionUpdateGroups, "")},
			{
				chat.ActionButton("Add Keyword", chat.ActionAddKeyword, ""),
				chat.ActionButton("Remove Keyword", chat.ActionRemoveKeyword, ""),
			},
			{
				chat.ActionButton("Ignore User", chat.ActionIgnoreUser, ""),
				chat.ActionButton("Remove Ignore", chat.ActionUnignoreUser, ""),
			},
			{chat.ActionButton("Stats", chat.ActionShowStats, "")},
		},
	}
}
