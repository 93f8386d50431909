package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/handler"
)

const seedYAML = `
roles:
  - {id: employee, rank: 1}
  - {id: manager, rank: 2}
  - {id: director, rank: 3}
flows:
  - category: vacation
    requires_approval: true
    steps:
      - {order: 1, role: manager, timeout_hours: 48}
      - {order: 2, role: director, condition: "payload.days > 10"}
  - category: expense-note
    requires_approval: false
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var c cli
	parser, err := kong.New(&c, kong.Name("flowctl"))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	err = kctx.Run(&runContext{ctx: context.Background(), out: &out})
	return out.String(), err
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", "--seed", writeSeed(t, seedYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 3 roles, 2 flows")

	bad := writeSeed(t, `
roles:
  - {id: manager, rank: 2}
flows:
  - category: vacation
    requires_approval: true
    steps:
      - {order: 2, role: manager}
`)
	_, err = run(t, "validate", "--seed", bad)
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	seed := writeSeed(t, seedYAML)

	out, err := run(t, "preview", "--seed", seed, "--category", "vacation", "--role", "employee", "--payload", `{"days": 12}`)
	require.NoError(t, err)
	assert.Equal(t, "1. manager (48h)\n2. director\n", out)

	out, err = run(t, "preview", "--seed", seed, "--category", "vacation", "--role", "manager", "--payload", `{"days": 3}`)
	require.NoError(t, err)
	assert.Contains(t, out, "no approval required")

	out, err = run(t, "preview", "--seed", seed, "--category", "expense-note", "--role", "employee")
	require.NoError(t, err)
	assert.Contains(t, out, "no approval required")
}

func TestToken(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cret", "--id", "u-1", "--role", "manager")
	require.NoError(t, err)

	actor, err := handler.NewActorAuth("s3cret", "").Verify(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, handler.Actor{ID: "u-1", Role: "manager"}, actor)
}
