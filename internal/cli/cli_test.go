package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/compute-node-agent/internal/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	contents := "node:\n  id: node-a\ncoordinator:\n  base_url: http://coordinator:9090\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestRunCommandInvokesRunFuncWithLoadedConfig(t *testing.T) {
	configFile = writeConfig(t)

	var gotConfig *config.Config
	root := Build(func(ctx context.Context, cfg *config.Config) error {
		gotConfig = cfg
		return nil
	})
	root.SetArgs([]string{"run", "--config", configFile})
	require.NoError(t, root.Execute())
	require.NotNil(t, gotConfig)
	require.Equal(t, "node-a", gotConfig.Node.ID)
}

func TestRunCommandPropagatesRunFuncError(t *testing.T) {
	configFile = writeConfig(t)

	root := Build(func(ctx context.Context, cfg *config.Config) error {
		return context.DeadlineExceeded
	})
	root.SetArgs([]string{"run", "--config", configFile})
	require.Error(t, root.Execute())
}

func TestStatusAndSessionsCommandsReportUnreachableAgent(t *testing.T) {
	path := writeConfig(t)
	configFile = path

	root := Build(func(ctx context.Context, cfg *config.Config) error { return nil })
	root.SetArgs([]string{"status", "--config", path})
	require.Error(t, root.Execute())

	root = Build(func(ctx context.Context, cfg *config.Config) error { return nil })
	root.SetArgs([]string{"sessions", "--config", path})
	require.Error(t, root.Execute())
}
