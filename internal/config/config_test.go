package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.MaxHistoryMessages != 20 {
		t.Errorf("MaxHistoryMessages default: got %d, want 20", cfg.MaxHistoryMessages)
	}
	if cfg.DBPath == "" {
		t.Errorf("DBPath default must not be empty")
	}
	if cfg.RabbitQueue != "broadcast_jobs" {
		t.Errorf("RabbitQueue default: got %q", cfg.RabbitQueue)
	}
	if cfg.AIProvider != "openai" {
		t.Errorf("AIProvider default: got %q", cfg.AIProvider)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_HISTORY_MESSAGES", "7")
	t.Setenv("ADMIN_USER_IDS", "100, 200,junk,300")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6380")

	cfg := Load()
	if cfg.MaxHistoryMessages != 7 {
		t.Errorf("MaxHistoryMessages: got %d, want 7", cfg.MaxHistoryMessages)
	}
	if len(cfg.OperatorIDs) != 3 || cfg.OperatorIDs[0] != 100 || cfg.OperatorIDs[2] != 300 {
		t.Errorf("OperatorIDs: got %v", cfg.OperatorIDs)
	}
	if cfg.RedisAddr != "127.0.0.1:6380" {
		t.Errorf("RedisAddr: got %q", cfg.RedisAddr)
	}
}

func TestParseIDList(t *testing.T) {
	if ids := ParseIDList(""); len(ids) != 0 {
		t.Errorf("empty input: got %v", ids)
	}
	if ids := ParseIDList("1,2,x, 3 "); len(ids) != 3 || ids[2] != 3 {
		t.Errorf("mixed input: got %v", ids)
	}
}
