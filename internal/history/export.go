package history

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const exportTimeLayout = "2006-01-02 15:04:05"

// GetStats returns aggregate counts over the currently retained data.
// Trimmed messages are physically deleted, so total_messages and
// user_messages are windowed totals, not lifetime volume.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	if err := s.guard(); err != nil {
		return Stats{}, err
	}

	var st Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&User{}).Count(&st.TotalUsers).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&Message{}).Count(&st.TotalMessages).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&Message{}).Where("role = ?", RoleUser).Count(&st.UserMessages).Error; err != nil {
		return Stats{}, err
	}

	now := s.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if err := db.Model(&Message{}).
		Where("created_at >= ?", startOfDay).
		Distinct("user_id").
		Count(&st.ActiveToday).Error; err != nil {
		return Stats{}, err
	}
	return st, nil
}

// ExportData renders a deterministic text report: one line per user ordered
// by last_seen descending (user_id breaks ties), then the same aggregates
// GetStats returns. Identical data always produces identical output.
func (s *Store) ExportData(ctx context.Context) (string, error) {
	users, err := s.GetAllUsers(ctx)
	if err != nil {
		return "", err
	}
	stats, err := s.GetStats(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("=== Bar assistant data export ===\n\n")
	fmt.Fprintf(&b, "Total users: %d\n", len(users))

	for _, u := range users {
		name := u.Username
		if name == "" {
			name = "-"
		}
		mark := ""
		if u.Banned {
			mark = " [BANNED]"
		}
		fmt.Fprintf(&b, "ID: %d | @%s | Messages: %d | First seen: %s | Last seen: %s%s\n",
			u.UserID, name, u.MessageCount,
			u.FirstSeen.Format(exportTimeLayout),
			u.LastSeen.Format(exportTimeLayout),
			mark)
	}

	b.WriteString("\n--- Totals ---\n")
	fmt.Fprintf(&b, "Messages total: %d\n", stats.TotalMessages)
	fmt.Fprintf(&b, "From users: %d\n", stats.UserMessages)
	fmt.Fprintf(&b, "Active today: %d\n", stats.ActiveToday)

	return b.String(), nil
}
