package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docjobs.toml")
	body := fmt.Sprintf(`
[database]
driver = "sqlite"
dsn = %q

[storage]
backend = "fs"
dir = %q
signing_key = "cli-test"

[ocr]
artifact_cache_dir = %q

[log]
level = "error"
`, "file:"+filepath.Join(dir, "cli.db"), filepath.Join(dir, "objects"), filepath.Join(dir, "tmp"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", cfg}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	root := NewRootCommand()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"migrate", "db", "account", "submit", "poll", "history", "export", "watch", "ocr", "analyze"} {
		assert.Contains(t, names, want)
	}
}

func TestMigrateAndHealth(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")

	out, err = run(t, cfg, "db", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "database ok (")
}

func TestAccountLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "account", "create", "--email", "cli@example.com", "--name", "CLI")
	require.NoError(t, err)
	assert.Contains(t, out, "tier:    FREE")
	key := regexp.MustCompile(`api_key: (\S+)`).FindStringSubmatch(out)
	require.Len(t, key, 2)

	out, err = run(t, cfg, "account", "show", "cli@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "documents:")
	assert.Contains(t, out, "0 / 5")

	out, err = run(t, cfg, "account", "tier", "cli@example.com", "pro")
	require.NoError(t, err)
	assert.Contains(t, out, "cli@example.com is now PRO")

	out, err = run(t, cfg, "account", "show", "cli@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "0 / 200")

	out, err = run(t, cfg, "account", "rotate-key", "cli@example.com")
	require.NoError(t, err)
	assert.NotContains(t, out, key[1])

	_, err = run(t, cfg, "account", "tier", "cli@example.com", "gold")
	require.Error(t, err)

	_, err = run(t, cfg, "account", "show", "nobody@example.com")
	require.Error(t, err)
}

func TestAccountCreate_RequiresEmail(t *testing.T) {
	_, err := run(t, writeConfig(t), "account", "create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestHistoryAndExport_Empty(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "account", "create", "--email", "h@example.com")
	require.NoError(t, err)

	out, err := run(t, cfg, "history", "h@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents processed yet.")

	dest := filepath.Join(t.TempDir(), "h.xlsx")
	out, err = run(t, cfg, "export", "h@example.com", "--out", dest, "--from", "2026-01-01")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 0 rows")
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, err = run(t, cfg, "export", "h@example.com", "--from", "01/01/2026")
	require.Error(t, err)
}

func TestSubmit_Validation(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "account", "create", "--email", "s@example.com")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	_, err = run(t, cfg, "submit", src, "--account", "s@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")

	_, err = run(t, cfg, "submit", src)
	require.Error(t, err)
}

func TestPoll_UnknownJob(t *testing.T) {
	_, err := run(t, writeConfig(t), "poll", "nope")
	require.Error(t, err)
}

func TestAnalyze_RequiresProvider(t *testing.T) {
	t.Setenv("ENRICHMENT_PROVIDER", "")
	_, err := run(t, writeConfig(t), "analyze", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
