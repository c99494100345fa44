package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"barassistant/internal/ai"
	"barassistant/internal/assistant"
	"barassistant/internal/history"
	"barassistant/internal/telegram"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMsg
	failFor map[int64]bool
	audio   []byte
}

func (f *fakeTransport) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]telegram.Update, error) {
	return nil, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[chatID] {
		return errors.New("unreachable recipient")
	}
	f.sent = append(f.sent, sentMsg{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeTransport) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return nil
}

func (f *fakeTransport) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return f.audio, nil
}

func (f *fakeTransport) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeTransport) lastText(t *testing.T) string {
	t.Helper()
	msgs := f.messages()
	if len(msgs) == 0 {
		t.Fatalf("no messages sent")
	}
	return msgs[len(msgs)-1].Text
}

type fakeProvider struct{ reply string }

func (p *fakeProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return p.reply, nil
}

type fakeTranscriber struct{ text string }

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return f.text, nil
}

type staticKB string

func (k staticKB) Content() string { return string(k) }

func (k staticKB) Reload(ctx context.Context) (int, error) { return len(k), nil }

var botDBSeq atomic.Int64

func newTestBot(t *testing.T, o Options) (*Bot, *fakeTransport, *history.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:bottest%d?mode=memory&cache=shared", botDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := history.New(db, 20)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tr := &fakeTransport{failFor: map[int64]bool{}}
	o.Transport = tr
	o.Store = store
	if o.Assistant == nil {
		o.Assistant = assistant.New(store, &fakeProvider{reply: "cheers!"}, staticKB("menu"))
	}
	return New(o), tr, store
}

func textUpdate(userID int64, username, text string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			From: &telegram.User{ID: userID, Username: username},
			Chat: telegram.Chat{ID: userID},
			Text: text,
		},
	}
}

func TestTextMessageGetsReply(t *testing.T) {
	b, tr, store := newTestBot(t, Options{})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(42, "alice", "what beers do you have?"))

	if got := tr.lastText(t); got != "cheers!" {
		t.Fatalf("expected assistant reply, got %q", got)
	}
	n, err := store.GetMessageCount(ctx, 42)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both turns recorded, got %d", n)
	}
}

func TestBannedUserIsDroppedSilently(t *testing.T) {
	b, tr, store := newTestBot(t, Options{})
	ctx := context.Background()

	if err := store.UpsertUser(ctx, 9, "troll"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.BanUser(ctx, 9); err != nil {
		t.Fatalf("ban: %v", err)
	}

	b.handleUpdate(ctx, textUpdate(9, "troll", "let me in"))

	if len(tr.messages()) != 0 {
		t.Fatalf("banned user must get no response, got %v", tr.messages())
	}
}

func TestVoiceMessageIsTranscribedAndAnswered(t *testing.T) {
	b, tr, store := newTestBot(t, Options{
		Transcriber: &fakeTranscriber{text: "do you have cider"},
	})
	ctx := context.Background()
	tr.audio = []byte("ogg")

	b.handleUpdate(ctx, telegram.Update{
		UpdateID: 2,
		Message: &telegram.Message{
			From:  &telegram.User{ID: 7, Username: "v"},
			Chat:  telegram.Chat{ID: 7},
			Voice: &telegram.Voice{FileID: "f1"},
		},
	})

	if got := tr.lastText(t); got != "cheers!" {
		t.Fatalf("expected assistant reply to voice, got %q", got)
	}
	window, err := store.GetHistory(ctx, 7)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(window) != 2 || window[0].Content != "do you have cider" {
		t.Fatalf("transcription not recorded as user turn: %+v", window)
	}
}

func TestOperatorCannotBeBanned(t *testing.T) {
	b, tr, store := newTestBot(t, Options{OperatorIDs: []int64{100, 200}})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(100, "op", "/ban 200"))

	if got := tr.lastText(t); got != "Operators cannot be banned." {
		t.Fatalf("expected refusal, got %q", got)
	}
	banned, err := store.IsBanned(ctx, 200)
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if banned {
		t.Fatalf("operator ended up in the ban set")
	}
}

func TestBanUnbanCommands(t *testing.T) {
	b, _, store := newTestBot(t, Options{OperatorIDs: []int64{100}})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(100, "op", "/ban 55"))
	banned, _ := store.IsBanned(ctx, 55)
	if !banned {
		t.Fatalf("user 55 should be banned")
	}

	b.handleUpdate(ctx, textUpdate(100, "op", "/unban 55"))
	banned, _ = store.IsBanned(ctx, 55)
	if banned {
		t.Fatalf("user 55 should be unbanned")
	}
}

func TestAdminCommandsIgnoredForNonOperators(t *testing.T) {
	b, tr, store := newTestBot(t, Options{OperatorIDs: []int64{100}})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(42, "sneaky", "/ban 55"))

	if len(tr.messages()) != 0 {
		t.Fatalf("non-operator admin command must be ignored, got %v", tr.messages())
	}
	banned, _ := store.IsBanned(ctx, 55)
	if banned {
		t.Fatalf("non-operator must not be able to ban")
	}
}

func TestResetClearsHistoryButKeepsUser(t *testing.T) {
	b, tr, store := newTestBot(t, Options{})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(42, "alice", "hello"))
	b.handleUpdate(ctx, textUpdate(42, "alice", "/reset"))

	if got := tr.lastText(t); got != "Conversation history cleared." {
		t.Fatalf("unexpected reset reply: %q", got)
	}
	n, _ := store.GetMessageCount(ctx, 42)
	if n != 0 {
		t.Fatalf("expected empty history after /reset, got %d", n)
	}
	users, err := store.GetAllUsers(ctx)
	if err != nil {
		t.Fatalf("get all users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("user row must survive /reset")
	}
}

func TestMenuCommandChunksLongDocument(t *testing.T) {
	doc := strings.TrimRight(strings.Repeat("Mojito ......... 450\n", 300), "\n")
	b, tr, _ := newTestBot(t, Options{Knowledge: staticKB(doc)})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(42, "alice", "/menu"))

	msgs := tr.messages()
	if len(msgs) < 2 {
		t.Fatalf("a %d-char menu must be split into several messages, got %d", len(doc), len(msgs))
	}
	var parts []string
	for _, m := range msgs {
		if len(m.Text) > 4000 {
			t.Fatalf("chunk of %d chars exceeds the transport limit", len(m.Text))
		}
		parts = append(parts, m.Text)
	}
	if got := strings.Join(parts, "\n"); got != doc {
		t.Fatalf("reassembled menu differs from the document (%d vs %d chars)", len(got), len(doc))
	}
}

func TestMenuCommandWithoutKnowledge(t *testing.T) {
	b, tr, _ := newTestBot(t, Options{})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(42, "alice", "/menu"))

	if got := tr.lastText(t); !strings.Contains(got, "not available") {
		t.Fatalf("expected unavailable notice, got %q", got)
	}
}

func TestChunkTextHardSplitsUnbrokenText(t *testing.T) {
	chunks := chunkText(strings.Repeat("x", 9000), 4000)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 4000 || len(chunks[2]) != 1000 {
		t.Fatalf("chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if chunkText("", 4000) != nil {
		t.Fatalf("empty input must yield no chunks")
	}
}

func TestSynchronousBroadcastReportsCounts(t *testing.T) {
	b, tr, store := newTestBot(t, Options{OperatorIDs: []int64{100}})
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := store.UpsertUser(ctx, id, ""); err != nil {
			t.Fatalf("upsert %d: %v", id, err)
		}
	}
	tr.failFor[2] = true

	b.handleUpdate(ctx, textUpdate(100, "op", "/broadcast happy hour at six"))

	last := tr.lastText(t)
	if !strings.Contains(last, "Delivered: 2") || !strings.Contains(last, "Failed: 1") {
		t.Fatalf("unexpected broadcast summary: %q", last)
	}
}

type capturingPublisher struct{ jobIDs []string }

func (p *capturingPublisher) PublishBroadcast(ctx context.Context, jobID string) error {
	p.jobIDs = append(p.jobIDs, jobID)
	return nil
}

func TestQueuedBroadcastPersistsJob(t *testing.T) {
	pub := &capturingPublisher{}
	b, tr, store := newTestBot(t, Options{OperatorIDs: []int64{100}, Publisher: pub})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(100, "op", "/broadcast quiz night on friday"))

	if len(pub.jobIDs) != 1 {
		t.Fatalf("expected 1 published job, got %d", len(pub.jobIDs))
	}
	job, err := store.GetBroadcastJob(ctx, pub.jobIDs[0])
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != history.JobQueued || job.Text != "quiz night on friday" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if !strings.Contains(tr.lastText(t), "Broadcast queued") {
		t.Fatalf("unexpected reply: %q", tr.lastText(t))
	}
}

func TestSetAdminAddRemove(t *testing.T) {
	b, tr, store := newTestBot(t, Options{OperatorIDs: []int64{100}})
	ctx := context.Background()

	b.handleUpdate(ctx, textUpdate(100, "op", "/setadmin 7"))
	ids, _ := store.GetNotificationAdminIDs(ctx)
	if len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("expected [7], got %v", ids)
	}

	b.handleUpdate(ctx, textUpdate(100, "op", "/setadmin remove 7"))
	ids, _ = store.GetNotificationAdminIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected empty set, got %v", ids)
	}
	if !strings.Contains(tr.lastText(t), "removed") {
		t.Fatalf("unexpected reply: %q", tr.lastText(t))
	}
}

func TestWebAppEventFansOutToNotificationAdmins(t *testing.T) {
	b, tr, store := newTestBot(t, Options{})
	ctx := context.Background()

	for _, id := range []int64{500, 501} {
		if err := store.AddNotificationAdmin(ctx, id); err != nil {
			t.Fatalf("add notification admin: %v", err)
		}
	}

	b.handleUpdate(ctx, telegram.Update{
		UpdateID: 3,
		Message: &telegram.Message{
			From:       &telegram.User{ID: 42},
			Chat:       telegram.Chat{ID: 42},
			WebAppData: &telegram.WebAppData{Data: `{"room":"VIP 2","command":"> two mojitos"}`},
		},
	})

	msgs := tr.messages()
	var admins int
	for _, msg := range msgs {
		if msg.ChatID == 500 || msg.ChatID == 501 {
			admins++
			if !strings.Contains(msg.Text, "VIP 2") || !strings.Contains(msg.Text, "two mojitos") {
				t.Fatalf("unexpected alert text: %q", msg.Text)
			}
		}
	}
	if admins != 2 {
		t.Fatalf("expected alerts for both recipients, got %d in %v", admins, msgs)
	}
}

func TestMalformedWebAppPayloadReportsGenericError(t *testing.T) {
	b, tr, _ := newTestBot(t, Options{})
	ctx := context.Background()

	b.handleUpdate(ctx, telegram.Update{
		UpdateID: 4,
		Message: &telegram.Message{
			From:       &telegram.User{ID: 42},
			Chat:       telegram.Chat{ID: 42},
			WebAppData: &telegram.WebAppData{Data: `{not json`},
		},
	})

	if got := tr.lastText(t); !strings.Contains(got, "Could not process") {
		t.Fatalf("expected generic parse error reply, got %q", got)
	}
}
