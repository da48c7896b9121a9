package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
port: "8085"
databaseURL: "postgres://localhost/veriscribe"
jwtSecret: "test-secret"
papersURL: "http://localhost:8083"
snapshotThreshold: 4096
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8085" || cfg.SnapshotThreshold != 4096 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestPapersURLRequired(t *testing.T) {
	body := strings.Replace(validYAML, "papersURL: \"http://localhost:8083\"\n", "", 1)
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "papersURL") {
		t.Fatalf("err = %v, want papersURL requirement", err)
	}
}

func TestMinioRequiresBucketAndRedis(t *testing.T) {
	body := validYAML + "minio:\n  endpoint: \"localhost:9000\"\n"
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "minio.bucket") {
		t.Fatalf("err = %v, want minio.bucket requirement", err)
	}
	body += "  bucket: \"snapshots\"\n"
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "redisURL") {
		t.Fatalf("err = %v, want redisURL requirement", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MINIO_SECRET_KEY", "from-env")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Minio.SecretKey != "from-env" {
		t.Fatalf("MINIO_SECRET_KEY override ignored")
	}
}
