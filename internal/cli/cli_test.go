package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/server"
)

// ===== Helpers =====

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	prev := logging.Get()
	t.Cleanup(func() { logging.SetGlobal(prev) })

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// ===== Command Tree =====

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "possyncd", cmd.Use)

	for _, name := range []string{"run", "status", "drain", "prune", "pin"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
	require.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestServerCommand(t *testing.T) {
	cmd := NewServerCommand()
	for _, path := range [][]string{{"serve"}, {"user", "add"}, {"model", "publish"}, {"model", "lock"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	tok := serve.Flags().Lookup("admin-token")
	require.NotNil(t, tok)
	assert.Empty(t, tok.DefValue)
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := execute(t, NewRootCommand(), "prune", "--log-format", "xml", "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New(errors.ErrInternal, "x")))
	assert.Equal(t, ExitCommandError, ExitCode(WrapExitError(ExitCommandError, "bad", os.ErrNotExist)))
	assert.ErrorIs(t, WrapExitError(ExitFailure, "wrapped", os.ErrNotExist), os.ErrNotExist)
}

// ===== One-shot Commands =====

func TestPinAndPrune(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, NewRootCommand(), "pin", "cashier-1", "--pin", "4821", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "cashier-1")

	_, err = execute(t, NewRootCommand(), "pin", "cashier-1", "--data-dir", dataDir)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	out, err = execute(t, NewRootCommand(), "prune", "--data-dir", dataDir)
	require.NoError(t, err)
	var rep map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Contains(t, rep, "pruned")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "possync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+filepath.Join(dir, "data")+"\nqueue:\n  capacity: 0\n"), 0o644))

	_, err := execute(t, NewRootCommand(), "prune", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, err = execute(t, NewRootCommand(), "prune", "--config", filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestServerAdmin(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, NewServerCommand(), "user", "add", "cashier-1", "--credential", "s3cret", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "cashier-1")

	model := filepath.Join(t.TempDir(), "product.json")
	require.NoError(t, os.WriteFile(model, []byte(`{"skus":["A"]}`), 0o644))
	out, err = execute(t, NewServerCommand(), "model", "publish", "product", "-f", model, "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "version 1")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	_, err = execute(t, NewServerCommand(), "model", "publish", "product", "-f", bad, "--data-dir", dataDir)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	store, err := server.OpenStore(context.Background(), dataDir)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.VerifyUser(context.Background(), "cashier-1", "s3cret"))
	m, err := store.GetModel(context.Background(), "product", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Version)
}

// ===== Daemon =====

func TestRunDaemon_servesLocalAPI(t *testing.T) {
	store, err := server.OpenStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	upstream := httptest.NewServer(server.New(store, server.Options{}))
	defer upstream.Close()

	prev := logging.Get()
	t.Cleanup(func() { logging.SetGlobal(prev) })

	ready := make(chan string, 1)
	opts := &RunOptions{
		RootOptions: &RootOptions{DataDir: t.TempDir(), LogLevel: "error"},
		ListenAddr:  "127.0.0.1:0",
		ServerURL:   upstream.URL,
		ready:       ready,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, opts) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not start")
	}

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
