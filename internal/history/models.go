package history

import "time"

// Message roles. A role is set once at creation and never changes.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type User struct {
	UserID    int64     `gorm:"primaryKey" json:"user_id"`
	Username  string    `gorm:"type:varchar(64)" json:"username,omitempty"`
	FirstSeen time.Time `gorm:"not null" json:"first_seen"`
	LastSeen  time.Time `gorm:"not null;index" json:"last_seen"`
}

func (User) TableName() string { return "users" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"not null;index" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Ban is a membership record: a row means the user is banned.
type Ban struct {
	UserID   int64     `gorm:"primaryKey" json:"user_id"`
	BannedAt time.Time `gorm:"not null" json:"banned_at"`
}

func (Ban) TableName() string { return "banned_users" }

// NotificationAdmin registers a user id as a recipient of forwarded
// structured-event alerts. Independent of operator status and of the ban set.
type NotificationAdmin struct {
	UserID  int64     `gorm:"primaryKey" json:"user_id"`
	AddedAt time.Time `gorm:"not null" json:"added_at"`
}

func (NotificationAdmin) TableName() string { return "notification_admins" }

// Turn is the exchange shape handed to the model provider: role and content
// only, ascending chronological order.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserInfo is the admin view of a user: identity fields plus the live
// user-role message count (post-trim) and current ban status.
type UserInfo struct {
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int64     `json:"message_count"`
	Banned       bool      `json:"banned"`
}

// Stats aggregates are computed over currently retained rows; trimmed
// messages are gone from the totals.
type Stats struct {
	TotalUsers    int64 `json:"total_users"`
	TotalMessages int64 `json:"total_messages"`
	UserMessages  int64 `json:"user_messages"`
	ActiveToday   int64 `json:"active_today"`
}
