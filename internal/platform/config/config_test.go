package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-hr-approvals", cfg.Service.Name)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "@every 1m", cfg.Escalation.SweepSpec)
	assert.Equal(t, 24, cfg.Escalation.DefaultHours)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, []string{"hr-admin"}, cfg.Auth.AdminRoles)
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("STORE_DRIVER=memory\nHTTP_PORT=7000\nJWT_SECRET=s3cret\n"), 0o600))

	t.Setenv("ENV_FILE", envFile)
	t.Setenv("HTTP_PORT", "7100")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("CORS_ORIGINS", "https://hr.example.com, https://admin.example.com")
	t.Setenv("JWT_ADMIN_ROLES", "hr-admin,hr-director")
	t.Cleanup(func() {
		os.Unsetenv("STORE_DRIVER")
		os.Unsetenv("JWT_SECRET")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 7100, cfg.Server.Port, "process env wins over .env")
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"https://hr.example.com", "https://admin.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, []string{"hr-admin", "hr-director"}, cfg.Auth.AdminRoles)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{User: "hr", Password: "pw", Host: "db", Port: 5433, Database: "approvals", SSLMode: "require"}
	assert.Equal(t, "postgres://hr:pw@db:5433/approvals?sslmode=require", d.DSN())
}
