package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/config"
	"github.com/JakeFAU/novel-batch-crawler/internal/intake"
	"github.com/JakeFAU/novel-batch-crawler/internal/server"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "batch.yaml")
	body := fmt.Sprintf(`logging:
  development: false
store:
  backend: file
  dir: %s
pipeline:
  work_dir: %s
delivery:
  local:
    dir: %s
intake:
  inbox_dir: %s
`,
		filepath.Join(root, "state"),
		filepath.Join(root, "work"),
		filepath.Join(root, "outbox"),
		filepath.Join(root, "inbox"),
	)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueThenStatus(t *testing.T) {
	cfgPath, root := writeConfig(t)
	list := filepath.Join(root, "list.json")
	require.NoError(t, os.WriteFile(list, []byte(`["https://fanmtl.com/novel/b.html", "not a url"]`), 0o600))

	out, err := execute(t, "--config", cfgPath, "enqueue", "--origin", "chat-7", "https://fanmtl.com/novel/a.html", list)
	require.NoError(t, err)
	require.Contains(t, out, "added 2, duplicates 0, rejected 1")

	out, err = execute(t, "--config", cfgPath, "enqueue", "--origin", "chat-7", "https://FANMTL.com/novel/a.html/")
	require.NoError(t, err)
	require.Contains(t, out, "added 0, duplicates 1")

	out, err = execute(t, "--config", cfgPath, "status", "--json")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Pending, 2)
	require.Equal(t, "https://fanmtl.com/novel/a.html", report.Pending[0].ID)
	require.Equal(t, "chat-7", report.Pending[1].Origin)
	require.Empty(t, report.Failures)

	out, err = execute(t, "--config", cfgPath, "status")
	require.NoError(t, err)
	require.Contains(t, out, "PENDING (2)")
	require.Contains(t, out, "FAILED (0)")
}

func TestEnqueueFallsBackToInboxWhenStoreBusy(t *testing.T) {
	cfgPath, root := writeConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	holder, err := server.OpenStore(context.Background(), cfg, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })

	out, err := execute(t, "--config", cfgPath, "enqueue", "--origin", "chat-8", "https://fanmtl.com/novel/z.html")
	require.NoError(t, err)
	require.Contains(t, out, "via inbox")

	entries, err := os.ReadDir(filepath.Join(root, "inbox"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	origin, ok := intake.OriginFromFile(entries[0].Name())
	require.True(t, ok)
	require.Equal(t, "chat-8", origin)

	urls, err := intake.ReadList(filepath.Join(root, "inbox", entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, []string{"https://fanmtl.com/novel/z.html"}, urls)
}

func TestEnqueueRequiresArgs(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "enqueue")
	require.Error(t, err)
}

func TestExecJobReportsUnknownSource(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(bytes.NewBufferString(`{"id":"https://unknown.test/n","origin":"o"}`))
	cmd.SetArgs([]string{"--config", cfgPath, "exec-job"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), `"type":"error"`)
	require.Contains(t, out.String(), `"sentinel":"no_source"`)
}
