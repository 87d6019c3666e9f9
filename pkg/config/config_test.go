package config

import (
    "crypto/ed25519"
    "crypto/rand"
    "encoding/base64"
    "os"
    "path/filepath"
    "testing"
    "time"
)

func TestDefaultsLoadWithoutFile(t *testing.T) {
    cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
    if err == nil {
        t.Fatalf("explicit missing file should fail")
    }
    cfg, err = Load("")
    if err != nil {
        t.Fatalf("Load: %v", err)
    }
    if cfg.Coordinator.Transport != "tcp" {
        t.Fatalf("default transport = %q", cfg.Coordinator.Transport)
    }
    if cfg.Tasks.MaxConcurrency != 4 {
        t.Fatalf("default max_concurrency = %d", cfg.Tasks.MaxConcurrency)
    }
    if got := cfg.Coordinator.HeartbeatInterval(); got != 15*time.Second {
        t.Fatalf("heartbeat = %v", got)
    }
}

func TestLoadFromFile(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "taskgrid.yaml")
    body := `
agent_id: agent-42
secret: topsecret
coordinator:
  addr: grid.example.com:9090
  transport: quic
  format: cbor
  heartbeat_ms: 5000
tasks:
  max_concurrency: 8
listen:
  enable: true
  addr: ":8088"
log:
  level: debug
`
    if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
        t.Fatalf("write config: %v", err)
    }
    cfg, err := Load(path)
    if err != nil {
        t.Fatalf("Load: %v", err)
    }
    if cfg.AgentID != "agent-42" {
        t.Fatalf("agent_id = %q", cfg.AgentID)
    }
    if cfg.Coordinator.Transport != "quic" || cfg.Coordinator.Format != "cbor" {
        t.Fatalf("coordinator = %+v", cfg.Coordinator)
    }
    if got := cfg.Coordinator.HeartbeatInterval(); got != 5*time.Second {
        t.Fatalf("heartbeat = %v", got)
    }
    if cfg.Tasks.MaxConcurrency != 8 {
        t.Fatalf("max_concurrency = %d", cfg.Tasks.MaxConcurrency)
    }
    if !cfg.Listen.Enable || cfg.Listen.Addr != ":8088" {
        t.Fatalf("listen = %+v", cfg.Listen)
    }
    if cfg.Log.Level != "debug" {
        t.Fatalf("log level = %q", cfg.Log.Level)
    }
}

func TestEnvOverride(t *testing.T) {
    t.Setenv("TASKGRID_AGENT_ID", "agent-env")
    t.Setenv("TASKGRID_COORDINATOR_TRANSPORT", "quic")
    cfg, err := Load("")
    if err != nil {
        t.Fatalf("Load: %v", err)
    }
    if cfg.AgentID != "agent-env" {
        t.Fatalf("agent_id = %q", cfg.AgentID)
    }
    if cfg.Coordinator.Transport != "quic" {
        t.Fatalf("transport = %q", cfg.Coordinator.Transport)
    }
}

func TestInvalidTransportRejected(t *testing.T) {
    t.Setenv("TASKGRID_COORDINATOR_TRANSPORT", "carrier-pigeon")
    if _, err := Load(""); err == nil {
        t.Fatalf("invalid transport accepted")
    }
}

func TestSecretBytes(t *testing.T) {
    c := &Config{Secret: base64.StdEncoding.EncodeToString([]byte("raw-secret"))}
    if string(c.SecretBytes()) != "raw-secret" {
        t.Fatalf("base64 secret = %q", c.SecretBytes())
    }
    c = &Config{Secret: "plain!secret"}
    if string(c.SecretBytes()) != "plain!secret" {
        t.Fatalf("raw secret = %q", c.SecretBytes())
    }
}

func TestSettlementKeyBytes(t *testing.T) {
    pub, _, err := ed25519.GenerateKey(rand.Reader)
    if err != nil {
        t.Fatalf("generate key: %v", err)
    }
    c := &Config{SettlementKey: base64.RawURLEncoding.EncodeToString(pub)}
    raw, err := c.SettlementKeyBytes()
    if err != nil {
        t.Fatalf("SettlementKeyBytes: %v", err)
    }
    if len(raw) != ed25519.PublicKeySize {
        t.Fatalf("key length = %d", len(raw))
    }
    c = &Config{}
    if _, err := c.SettlementKeyBytes(); err == nil {
        t.Fatalf("empty settlement key accepted")
    }
}
