// Package history is the persistent conversation store: per-user bounded
// message windows, user identity, ban and notification-admin sets, and the
// aggregate views derived from them. All mutation of these tables goes
// through a single Store shared process-wide.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("history: store is closed")

	// ErrInvalidRole is returned when a message role is neither
	// RoleUser nor RoleAssistant.
	ErrInvalidRole = errors.New("history: invalid message role")

	// ErrUnknownUser is returned when a message references a user id
	// that has never been upserted.
	ErrUnknownUser = errors.New("history: unknown user")
)

const defaultMaxMessages = 20

// Store owns the users, messages, banned_users, notification_admins and
// broadcast_jobs tables. Methods are safe for concurrent use; AddMessage
// calls for the same user serialize on a per-user mutex so the append+trim
// step is atomic with respect to other writers of that user's window.
type Store struct {
	db          *gorm.DB
	maxMessages int
	closed      atomic.Bool
	userLocks   sync.Map // int64 -> *sync.Mutex

	now func() time.Time
}

// Open opens (or creates) the SQLite database at path and migrates the
// schema. The parent directory is created if needed.
func Open(path string, maxMessages int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create db directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open db at %s: %w", path, err)
	}
	return New(db, maxMessages)
}

// New wraps an already opened gorm DB. Used directly by tests with an
// in-memory database.
func New(db *gorm.DB, maxMessages int) (*Store, error) {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	if err := db.AutoMigrate(&User{}, &Message{}, &Ban{}, &NotificationAdmin{}, &BroadcastJob{}); err != nil {
		return nil, fmt.Errorf("history: migrate schema: %w", err)
	}
	return &Store{db: db, maxMessages: maxMessages, now: time.Now}, nil
}

// Close marks the store unavailable and closes the underlying connection.
// Operations issued afterwards fail fast with ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) guard() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) userLock(userID int64) *sync.Mutex {
	v, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// UpsertUser creates the user on first contact, otherwise bumps last_seen.
// An empty incoming username never erases a previously recorded one.
func (s *Store) UpsertUser(ctx context.Context, userID int64, username string) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := s.now()
	assignments := map[string]any{"last_seen": now}
	if username != "" {
		assignments["username"] = username
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&User{
		UserID:    userID,
		Username:  username,
		FirstSeen: now,
		LastSeen:  now,
	}).Error
}

// GetAllUserIDs returns every known user id, unordered. Callers doing
// per-id delivery (broadcast) must not expect the store to orchestrate it.
func (s *Store) GetAllUserIDs(ctx context.Context) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&User{}).Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// GetAllUsers returns identity fields joined with the live user-role message
// count and ban status, ordered by last_seen descending. The user_id
// tie-break keeps the ordering deterministic for export snapshots.
func (s *Store) GetAllUsers(ctx context.Context) ([]UserInfo, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var users []UserInfo
	err := s.db.WithContext(ctx).Model(&User{}).
		Select(`users.user_id, users.username, users.first_seen, users.last_seen,
			(SELECT COUNT(*) FROM messages WHERE messages.user_id = users.user_id AND messages.role = 'user') AS message_count,
			EXISTS(SELECT 1 FROM banned_users WHERE banned_users.user_id = users.user_id) AS banned`).
		Order("users.last_seen DESC, users.user_id ASC").
		Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// AddMessage appends one turn and trims the user's window to the newest
// maxMessages rows in the same transaction. The per-user lock serializes
// concurrent writers for the same user so two calls cannot both trim from a
// stale row count; writers for different users do not block each other.
func (s *Store) AddMessage(ctx context.Context, userID int64, role, content string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&User{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %d", ErrUnknownUser, userID)
		}
		if err := tx.Create(&Message{
			UserID:    userID,
			Role:      role,
			Content:   content,
			CreatedAt: s.now(),
		}).Error; err != nil {
			return err
		}
		// Keep the newest rows by id, never by timestamp: timestamps may
		// collide at high write rates, ids cannot.
		keep := tx.Model(&Message{}).
			Select("id").
			Where("user_id = ?", userID).
			Order("id DESC").
			Limit(s.maxMessages)
		return tx.Where("user_id = ? AND id NOT IN (?)", userID, keep).
			Delete(&Message{}).Error
	})
}

// GetHistory returns the retained window as role/content pairs in ascending
// id order, the exact shape handed to the model provider.
func (s *Store) GetHistory(ctx context.Context, userID int64) ([]Turn, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var msgs []Message
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

// GetUserHistory returns up to limit of the user's newest messages with
// timestamps, ascending, for admin review.
func (s *Store) GetUserHistory(ctx context.Context, userID int64, limit int) ([]Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Clear deletes all of a user's messages. The User row stays.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Message{}).Error
}

// GetMessageCount returns the retained message count for a user.
func (s *Store) GetMessageCount(ctx context.Context, userID int64) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// BanUser adds the user to the ban set. Idempotent: banning an already
// banned user is a no-op. The store has no notion of an operator; keeping
// operator ids out of the ban set is the caller's contract (see bot layer).
func (s *Store) BanUser(ctx context.Context, userID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Ban{UserID: userID, BannedAt: s.now()}).Error
}

// UnbanUser removes the user from the ban set. Removing a non-member is a
// no-op, not an error.
func (s *Store) UnbanUser(ctx context.Context, userID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Ban{}).Error
}

// IsBanned reports ban-set membership.
func (s *Store) IsBanned(ctx context.Context, userID int64) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&Ban{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddNotificationAdmin registers a user id as an alert recipient. Idempotent.
func (s *Store) AddNotificationAdmin(ctx context.Context, userID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&NotificationAdmin{UserID: userID, AddedAt: s.now()}).Error
}

// RemoveNotificationAdmin removes a recipient. No-op if absent.
func (s *Store) RemoveNotificationAdmin(ctx context.Context, userID int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&NotificationAdmin{}).Error
}

// GetNotificationAdminIDs returns the current recipient set, ascending.
func (s *Store) GetNotificationAdminIDs(ctx context.Context) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&NotificationAdmin{}).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
