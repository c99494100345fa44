// Package bot routes inbound transport updates to the assistant and to the
// administrative commands. Operator-only commands are gated here; the store
// itself has no notion of an operator. In particular the "never ban an
// operator" rule is this layer's contract; the store will ban any id it is
// told to.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"barassistant/internal/assistant"
	"barassistant/internal/common"
	"barassistant/internal/history"
	"barassistant/internal/ratelimit"
	"barassistant/internal/telegram"
)

const (
	welcomeMessage = "Hi! Welcome to bar 17/17. " +
		"I can help you with our menu, prices and services — just type your question or send a voice message."

	helpMessage = "Ask me anything about the bar — menu, prices, events.\n" +
		"/menu shows the current menu.\n" +
		"/reset clears our conversation so we start fresh."

	menuUnavailableMessage = "The menu is not available right now — just ask me what you are looking for."

	throttledMessage = "You are sending messages too quickly. Give me a moment and try again."

	tryLaterMessage = "Something went wrong. Please try again later."
)

// Transport is the inbound/outbound chat adapter the bot runs on.
type Transport interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Transcriber turns voice-note bytes into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Knowledge is the reloadable grounding document. Content backs /menu,
// Reload the operator's /reload.
type Knowledge interface {
	Content() string
	Reload(ctx context.Context) (int, error)
}

// BroadcastPublisher hands a persisted broadcast job to the delivery worker.
type BroadcastPublisher interface {
	PublishBroadcast(ctx context.Context, jobID string) error
}

// Options wires the bot's collaborators. Limiter, Transcriber, Knowledge
// and Publisher may be nil; the matching features degrade gracefully.
type Options struct {
	Transport   Transport
	Store       *history.Store
	Assistant   *assistant.Service
	Transcriber Transcriber
	Knowledge   Knowledge
	Limiter     *ratelimit.FixedWindowLimiter
	Publisher   BroadcastPublisher
	OperatorIDs []int64
	PollTimeout int
}

type Bot struct {
	transport   Transport
	store       *history.Store
	assistant   *assistant.Service
	transcriber Transcriber
	knowledge   Knowledge
	limiter     *ratelimit.FixedWindowLimiter
	publisher   BroadcastPublisher
	operators   map[int64]struct{}
	pollTimeout int
	startedAt   time.Time
}

func New(o Options) *Bot {
	ops := make(map[int64]struct{}, len(o.OperatorIDs))
	for _, id := range o.OperatorIDs {
		ops[id] = struct{}{}
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 30
	}
	return &Bot{
		transport:   o.Transport,
		store:       o.Store,
		assistant:   o.Assistant,
		transcriber: o.Transcriber,
		knowledge:   o.Knowledge,
		limiter:     o.Limiter,
		publisher:   o.Publisher,
		operators:   ops,
		pollTimeout: o.PollTimeout,
		startedAt:   time.Now(),
	}
}

func (b *Bot) isOperator(userID int64) bool {
	_, ok := b.operators[userID]
	return ok
}

// Run long-polls the transport until ctx is done. Every update is handled
// as its own unit of work so one slow model call never stalls the poll loop.
func (b *Bot) Run(ctx context.Context) error {
	log.Printf("bot: polling started, operators=%d", len(b.operators))
	var offset int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := b.transport.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("bot: get updates: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			go b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u telegram.Update) {
	m := u.Message
	if m == nil || m.From == nil {
		return
	}

	switch {
	case m.WebAppData != nil:
		b.handleWebAppData(ctx, m)
	case m.Voice != nil:
		b.handleVoice(ctx, m)
	case strings.HasPrefix(m.Text, "/"):
		b.handleCommand(ctx, m)
	case m.Text != "":
		b.handleText(ctx, m, m.Text)
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if err := b.transport.SendMessage(ctx, chatID, text); err != nil {
		log.Printf("bot: send to %d: %v", chatID, err)
	}
}

func (b *Bot) handleText(ctx context.Context, m *telegram.Message, text string) {
	userID := m.From.ID

	if b.limiter != nil {
		allowed, err := b.limiter.Allow(ctx, strconv.FormatInt(userID, 10))
		if err != nil {
			log.Printf("bot: rate limiter unavailable, letting message through: %v", err)
		} else if !allowed {
			b.send(ctx, m.Chat.ID, throttledMessage)
			return
		}
	}

	reply, err := b.assistant.Reply(ctx, userID, m.From.Username, text)
	if err != nil {
		if errors.Is(err, assistant.ErrBanned) {
			return
		}
		log.Printf("bot: reply failed user=%d err=%v", userID, err)
		b.send(ctx, m.Chat.ID, tryLaterMessage)
		return
	}
	b.send(ctx, m.Chat.ID, reply)
}

func (b *Bot) handleVoice(ctx context.Context, m *telegram.Message) {
	userID := m.From.ID

	banned, err := b.store.IsBanned(ctx, userID)
	if err != nil {
		log.Printf("bot: ban check user=%d err=%v", userID, err)
		b.send(ctx, m.Chat.ID, tryLaterMessage)
		return
	}
	if banned {
		return
	}
	if b.transcriber == nil {
		b.send(ctx, m.Chat.ID, "Voice messages are not supported right now, please type your question.")
		return
	}

	_ = b.transport.SendChatAction(ctx, m.Chat.ID, "typing")

	audio, err := b.transport.DownloadFile(ctx, m.Voice.FileID)
	if err != nil {
		log.Printf("bot: voice download user=%d err=%v", userID, err)
		b.send(ctx, m.Chat.ID, "Could not fetch your voice message. Please try again.")
		return
	}

	text, err := b.transcriber.Transcribe(ctx, audio, "ogg")
	if err != nil || text == "" {
		if err != nil {
			log.Printf("bot: transcribe user=%d err=%v", userID, err)
		}
		b.send(ctx, m.Chat.ID, "Could not recognize your voice message. Please try again or type your question.")
		return
	}

	log.Printf("bot: transcribed voice user=%d chars=%d", userID, len(text))
	b.handleText(ctx, m, text)
}

// webAppEvent is the structured payload sent by the mini app.
type webAppEvent struct {
	Room    string `json:"room"`
	Command string `json:"command"`
}

func (b *Bot) handleWebAppData(ctx context.Context, m *telegram.Message) {
	var ev webAppEvent
	if err := json.Unmarshal([]byte(m.WebAppData.Data), &ev); err != nil || ev.Room == "" {
		log.Printf("bot: malformed web app payload from %d: %v", m.From.ID, err)
		b.send(ctx, m.Chat.ID, "Could not process the request, please try again.")
		return
	}
	request := strings.TrimSpace(strings.TrimLeft(ev.Command, "> "))

	b.send(ctx, m.Chat.ID, fmt.Sprintf("Request sent!\nRoom: %s\n%s", ev.Room, request))

	ids, err := b.store.GetNotificationAdminIDs(ctx)
	if err != nil {
		log.Printf("bot: notification admins: %v", err)
		return
	}
	rep := Fanout(ctx, b.transport, ids, fmt.Sprintf("%s requests: %s", ev.Room, request), 0)
	log.Printf("bot: web app event room=%q delivered=%d failed=%d", ev.Room, rep.Delivered, rep.Failed)
}

func (b *Bot) handleCommand(ctx context.Context, m *telegram.Message) {
	fields := strings.Fields(m.Text)
	if len(fields) == 0 {
		return
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]
	userID := m.From.ID
	chatID := m.Chat.ID

	switch cmd {
	case "/start":
		if err := b.store.UpsertUser(ctx, userID, m.From.Username); err != nil {
			log.Printf("bot: upsert on /start user=%d err=%v", userID, err)
		}
		b.send(ctx, chatID, welcomeMessage)

	case "/help":
		b.send(ctx, chatID, helpMessage)

	case "/menu":
		b.cmdMenu(ctx, chatID)

	case "/reset":
		if err := b.store.Clear(ctx, userID); err != nil {
			log.Printf("bot: clear user=%d err=%v", userID, err)
			b.send(ctx, chatID, tryLaterMessage)
			return
		}
		b.send(ctx, chatID, "Conversation history cleared.")

	case "/stats":
		if !b.isOperator(userID) {
			return
		}
		b.cmdStats(ctx, chatID)

	case "/reload":
		if !b.isOperator(userID) {
			return
		}
		b.cmdReload(ctx, chatID)

	case "/broadcast":
		if !b.isOperator(userID) {
			return
		}
		text := strings.TrimSpace(strings.TrimPrefix(m.Text, fields[0]))
		b.cmdBroadcast(ctx, chatID, text)

	case "/users":
		if !b.isOperator(userID) {
			return
		}
		b.cmdUsers(ctx, chatID)

	case "/history":
		if !b.isOperator(userID) {
			return
		}
		b.cmdHistory(ctx, chatID, args)

	case "/ban":
		if !b.isOperator(userID) {
			return
		}
		b.cmdBan(ctx, chatID, args)

	case "/unban":
		if !b.isOperator(userID) {
			return
		}
		b.cmdUnban(ctx, chatID, args)

	case "/export":
		if !b.isOperator(userID) {
			return
		}
		b.cmdExport(ctx, chatID)

	case "/setadmin":
		if !b.isOperator(userID) {
			return
		}
		b.cmdSetAdmin(ctx, chatID, args)

	default:
		b.send(ctx, chatID, "Unknown command. Try /help.")
	}
}

func (b *Bot) cmdStats(ctx context.Context, chatID int64) {
	st, err := b.store.GetStats(ctx)
	if err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	uptime := time.Since(b.startedAt).Round(time.Second)
	b.send(ctx, chatID, fmt.Sprintf(
		"Stats\nUsers: %d\nMessages: %d (from users: %d)\nActive today: %d\nUptime: %s",
		st.TotalUsers, st.TotalMessages, st.UserMessages, st.ActiveToday, uptime))
}

// Telegram rejects messages over 4096 chars; stay under with some headroom.
const menuChunkSize = 4000

func (b *Bot) cmdMenu(ctx context.Context, chatID int64) {
	if b.knowledge == nil {
		b.send(ctx, chatID, menuUnavailableMessage)
		return
	}
	content := b.knowledge.Content()
	if content == "" {
		b.send(ctx, chatID, menuUnavailableMessage)
		return
	}
	for _, chunk := range chunkText(content, menuChunkSize) {
		b.send(ctx, chatID, chunk)
	}
}

// chunkText splits s into pieces of at most size bytes, cutting at newlines
// where possible.
func chunkText(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		cut := strings.LastIndexByte(s[:size], '\n')
		if cut <= 0 {
			cut = size
		}
		chunks = append(chunks, s[:cut])
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func (b *Bot) cmdReload(ctx context.Context, chatID int64) {
	if b.knowledge == nil {
		b.send(ctx, chatID, "No knowledge document configured.")
		return
	}
	n, err := b.knowledge.Reload(ctx)
	if err != nil {
		log.Printf("bot: kb reload: %v", err)
		b.send(ctx, chatID, "Failed to reload the knowledge document.")
		return
	}
	b.send(ctx, chatID, fmt.Sprintf("Knowledge document reloaded: %d characters.", n))
}

func (b *Bot) cmdBroadcast(ctx context.Context, chatID int64, text string) {
	if text == "" {
		b.send(ctx, chatID, "Usage: /broadcast <message>")
		return
	}

	// With a queue attached, persist the job and let the worker deliver.
	if b.publisher != nil {
		jobID, err := common.NewULID()
		if err == nil {
			err = b.store.CreateBroadcastJob(ctx, &history.BroadcastJob{
				ID:     jobID,
				Text:   text,
				Status: history.JobQueued,
			})
		}
		if err == nil {
			err = b.publisher.PublishBroadcast(ctx, jobID)
		}
		if err != nil {
			log.Printf("bot: enqueue broadcast: %v", err)
			b.send(ctx, chatID, tryLaterMessage)
			return
		}
		b.send(ctx, chatID, fmt.Sprintf("Broadcast queued, job %s", jobID))
		return
	}

	ids, err := b.store.GetAllUserIDs(ctx)
	if err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	rep := Fanout(ctx, b.transport, ids, text, 0)
	b.send(ctx, chatID, fmt.Sprintf("Broadcast finished\nDelivered: %d\nFailed: %d", rep.Delivered, rep.Failed))
}

func (b *Bot) cmdUsers(ctx context.Context, chatID int64) {
	users, err := b.store.GetAllUsers(ctx)
	if err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	if len(users) == 0 {
		b.send(ctx, chatID, "No users yet.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Users (%d):\n", len(users))
	for i, u := range users {
		name := u.Username
		if name == "" {
			name = "-"
		}
		mark := ""
		if u.Banned {
			mark = " [banned]"
		}
		fmt.Fprintf(&sb, "%d. %d | @%s | msgs %d | seen %s%s\n",
			i+1, u.UserID, name, u.MessageCount, u.LastSeen.Format("2006-01-02"), mark)
	}
	b.send(ctx, chatID, sb.String())
}

func (b *Bot) cmdHistory(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		b.send(ctx, chatID, "Usage: /history <user_id>")
		return
	}
	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, chatID, "Invalid user id.")
		return
	}
	msgs, err := b.store.GetUserHistory(ctx, target, 50)
	if err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	if len(msgs) == 0 {
		b.send(ctx, chatID, "No messages for this user.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "History for %d (%d messages):\n", target, len(msgs))
	for _, msg := range msgs {
		content := msg.Content
		if len(content) > 120 {
			content = content[:120] + "…"
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", msg.CreatedAt.Format("01-02 15:04"), msg.Role, content)
	}
	b.send(ctx, chatID, sb.String())
}

func (b *Bot) cmdBan(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		b.send(ctx, chatID, "Usage: /ban <user_id>")
		return
	}
	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, chatID, "Invalid user id.")
		return
	}
	// Caller-side contract: operator ids must never enter the ban set.
	if b.isOperator(target) {
		b.send(ctx, chatID, "Operators cannot be banned.")
		return
	}
	if err := b.store.BanUser(ctx, target); err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	b.send(ctx, chatID, fmt.Sprintf("User %d banned.", target))
}

func (b *Bot) cmdUnban(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		b.send(ctx, chatID, "Usage: /unban <user_id>")
		return
	}
	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, chatID, "Invalid user id.")
		return
	}
	if err := b.store.UnbanUser(ctx, target); err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	b.send(ctx, chatID, fmt.Sprintf("User %d unbanned.", target))
}

func (b *Bot) cmdExport(ctx context.Context, chatID int64) {
	out, err := b.store.ExportData(ctx)
	if err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	b.send(ctx, chatID, out)
}

func (b *Bot) cmdSetAdmin(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		ids, err := b.store.GetNotificationAdminIDs(ctx)
		if err != nil {
			b.send(ctx, chatID, tryLaterMessage)
			return
		}
		if len(ids) == 0 {
			b.send(ctx, chatID, "No notification recipients yet.\nUsage: /setadmin <user_id> | /setadmin remove <user_id>")
			return
		}
		var sb strings.Builder
		sb.WriteString("Notification recipients:\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "• %d\n", id)
		}
		sb.WriteString("Usage: /setadmin <user_id> | /setadmin remove <user_id>")
		b.send(ctx, chatID, sb.String())
		return
	}

	if strings.EqualFold(args[0], "remove") {
		if len(args) < 2 {
			b.send(ctx, chatID, "Usage: /setadmin remove <user_id>")
			return
		}
		target, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			b.send(ctx, chatID, "Invalid user id.")
			return
		}
		if err := b.store.RemoveNotificationAdmin(ctx, target); err != nil {
			b.send(ctx, chatID, tryLaterMessage)
			return
		}
		b.send(ctx, chatID, fmt.Sprintf("User %d removed from notification recipients.", target))
		return
	}

	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.send(ctx, chatID, "Invalid user id.")
		return
	}
	if err := b.store.AddNotificationAdmin(ctx, target); err != nil {
		b.send(ctx, chatID, tryLaterMessage)
		return
	}
	b.send(ctx, chatID, fmt.Sprintf("User %d added as a notification recipient.", target))
}
