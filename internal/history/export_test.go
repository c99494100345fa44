package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func seedTwoUserConversations(t *testing.T, s *Store) {
	t.Helper()
	mustUpsert(t, s, 1, "alice")
	mustUpsert(t, s, 2, "bob")
	for i := 0; i < 3; i++ {
		mustAdd(t, s, 1, RoleUser, fmt.Sprintf("q%d", i))
		mustAdd(t, s, 1, RoleAssistant, fmt.Sprintf("a%d", i))
	}
	for i := 0; i < 2; i++ {
		mustAdd(t, s, 2, RoleUser, fmt.Sprintf("q%d", i))
		mustAdd(t, s, 2, RoleAssistant, fmt.Sprintf("a%d", i))
	}
}

func TestGetStatsAggregates(t *testing.T) {
	s := openTestStore(t, 0)
	seedTwoUserConversations(t, s)

	st, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if st.TotalUsers != 2 {
		t.Fatalf("total_users: got %d, want 2", st.TotalUsers)
	}
	if st.TotalMessages != 10 {
		t.Fatalf("total_messages: got %d, want 10", st.TotalMessages)
	}
	if st.UserMessages != 5 {
		t.Fatalf("user_messages: got %d, want 5", st.UserMessages)
	}
	if st.ActiveToday != 2 {
		t.Fatalf("active_today: got %d, want 2", st.ActiveToday)
	}
}

func TestStatsReflectTrimmedWindowOnly(t *testing.T) {
	s := openTestStore(t, 3)
	mustUpsert(t, s, 1, "")
	for i := 0; i < 8; i++ {
		mustAdd(t, s, 1, RoleUser, fmt.Sprintf("m%d", i))
	}

	st, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if st.TotalMessages != 3 || st.UserMessages != 3 {
		t.Fatalf("stats must count retained rows only: %+v", st)
	}
}

func TestExportContainsOneLinePerUserAndMatchesStats(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	seedTwoUserConversations(t, s)
	if err := s.BanUser(ctx, 2); err != nil {
		t.Fatalf("ban: %v", err)
	}

	out, err := s.ExportData(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	users, err := s.GetAllUsers(ctx)
	if err != nil {
		t.Fatalf("get all users: %v", err)
	}
	var userLines int
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "ID: ") {
			userLines++
		}
	}
	if userLines != len(users) {
		t.Fatalf("expected %d user lines, got %d in:\n%s", len(users), userLines, out)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	for _, want := range []string{
		fmt.Sprintf("Total users: %d", st.TotalUsers),
		fmt.Sprintf("Messages total: %d", st.TotalMessages),
		fmt.Sprintf("From users: %d", st.UserMessages),
		fmt.Sprintf("Active today: %d", st.ActiveToday),
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("export missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "[BANNED]") {
		t.Fatalf("export missing ban marker for banned user:\n%s", out)
	}
}

func TestExportIsDeterministic(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	seedTwoUserConversations(t, s)

	first, err := s.ExportData(ctx)
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	second, err := s.ExportData(ctx)
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if first != second {
		t.Fatalf("export not reproducible:\n--- first ---\n%s\n--- second ---\n%s", first, second)
	}
}

func TestExportPlaceholderForMissingUsername(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	mustUpsert(t, s, 10, "")

	out, err := s.ExportData(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "ID: 10 | @- |") {
		t.Fatalf("expected placeholder username for user 10:\n%s", out)
	}
}
