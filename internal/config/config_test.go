package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLATFORM_BROKER_ADDR", "")
	t.Setenv("PLATFORM_STORE_ADDR", "")
	t.Setenv("PLATFORM_STORE_ALLOWED_HOSTS", "")
	t.Setenv("PLATFORM_FLUSH_QUIESCENCE", "")
	t.Setenv("PLATFORM_FLUSH_MAX_BATCH", "")
	t.Setenv("PLATFORM_IDLE_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.BrokerAddr != DefaultBrokerAddr {
		t.Fatalf("expected default broker addr %q, got %q", DefaultBrokerAddr, cfg.BrokerAddr)
	}
	if cfg.StoreAddr != DefaultStoreAddr {
		t.Fatalf("expected default store addr %q, got %q", DefaultStoreAddr, cfg.StoreAddr)
	}
	if cfg.StoreAllowedHosts != nil {
		t.Fatalf("expected no allowed hosts, got %#v", cfg.StoreAllowedHosts)
	}
	if cfg.FlushQuiescence != DefaultFlushQuiescence {
		t.Fatalf("expected default quiescence %v, got %v", DefaultFlushQuiescence, cfg.FlushQuiescence)
	}
	if cfg.FlushMaxBatch != DefaultFlushMaxBatch {
		t.Fatalf("expected default max batch %d, got %d", DefaultFlushMaxBatch, cfg.FlushMaxBatch)
	}
	if cfg.IdleTimeout != 0 {
		t.Fatalf("expected idle timeout disabled by default, got %v", cfg.IdleTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PLATFORM_BROKER_ADDR", "127.0.0.1:9000")
	t.Setenv("PLATFORM_STORE_ALLOWED_HOSTS", "10.0.0.4, 10.0.0.5")
	t.Setenv("PLATFORM_FLUSH_QUIESCENCE", "250ms")
	t.Setenv("PLATFORM_FLUSH_MAX_BATCH", "16")
	t.Setenv("PLATFORM_MUTATION_QUEUE_DEPTH", "32")
	t.Setenv("PLATFORM_IDLE_TIMEOUT", "45s")
	t.Setenv("PLATFORM_OPS_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.BrokerAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected broker addr: %q", cfg.BrokerAddr)
	}
	if len(cfg.StoreAllowedHosts) != 2 || cfg.StoreAllowedHosts[0] != "10.0.0.4" || cfg.StoreAllowedHosts[1] != "10.0.0.5" {
		t.Fatalf("unexpected allowed hosts: %#v", cfg.StoreAllowedHosts)
	}
	if cfg.FlushQuiescence != 250*time.Millisecond {
		t.Fatalf("expected quiescence 250ms, got %v", cfg.FlushQuiescence)
	}
	if cfg.FlushMaxBatch != 16 {
		t.Fatalf("expected max batch 16, got %d", cfg.FlushMaxBatch)
	}
	if cfg.MutationQueueDepth != 32 {
		t.Fatalf("expected queue depth 32, got %d", cfg.MutationQueueDepth)
	}
	if cfg.IdleTimeout != 45*time.Second {
		t.Fatalf("expected idle timeout 45s, got %v", cfg.IdleTimeout)
	}
	if cfg.OpsToken != "secret" {
		t.Fatalf("expected ops token override, got %q", cfg.OpsToken)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("PLATFORM_FLUSH_QUIESCENCE", "abc")
	t.Setenv("PLATFORM_FLUSH_MAX_BATCH", "-5")
	t.Setenv("PLATFORM_MUTATION_QUEUE_DEPTH", "0")
	t.Setenv("PLATFORM_IDLE_TIMEOUT", "-1s")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"PLATFORM_FLUSH_QUIESCENCE",
		"PLATFORM_FLUSH_MAX_BATCH",
		"PLATFORM_MUTATION_QUEUE_DEPTH",
		"PLATFORM_IDLE_TIMEOUT",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadIgnoresEmptyAllowedHosts(t *testing.T) {
	t.Setenv("PLATFORM_STORE_ALLOWED_HOSTS", " , ,10.1.2.3, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.StoreAllowedHosts) != 1 || cfg.StoreAllowedHosts[0] != "10.1.2.3" {
		t.Fatalf("expected single cleaned host, got %#v", cfg.StoreAllowedHosts)
	}
}
