package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/xiaoxin/api-gateway/internal/config"
)

func TestNewRedis_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedis(context.Background(), config.RedisConfig{
		Addr:      mr.Addr(),
		OpTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func TestNewRedis_UnreachableFails(t *testing.T) {
	_, err := NewRedis(context.Background(), config.RedisConfig{
		Addr:      "127.0.0.1:1",
		OpTimeout: time.Second,
	})
	if err == nil {
		t.Fatal("expected connection error")
	}
}
