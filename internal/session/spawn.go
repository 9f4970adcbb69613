package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/compute-node-agent/internal/agenterr"
	"github.com/ChuLiYu/compute-node-agent/internal/computation"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// execConfigDoc is the per-computation config document written to the
// well-known temp path before spawn, per the spawn contract: the
// subprocess reads it back to learn how to connect to the Router and
// what it's meant to do.
type execConfigDoc struct {
	SessionID    model.SessionID                `json:"sessionId"`
	NodeID       model.NodeID                   `json:"nodeId"`
	CompID       model.CompID                   `json:"compId"`
	IPCSocket    string                         `json:"ipcSocketPath"`
	LogLevel     int                            `json:"logLevel"`
	Definition   model.ComputationDefinition    `json:"definition"`
	Routing      map[model.NodeID]model.NodeRoutingInfo `json:"routing"`
	UserInfo     map[string]any                 `json:"userInfo,omitempty"`
}

// buildSpawnSpec constructs the subprocess launch spec and writes the
// exec-side config document to tempDir/exec-<name>-<compId>.json.
// Program/args are read from the definition's Packaging block; a
// missing program is a Subprocess error, since without it there is
// nothing to spawn.
func buildSpawnSpec(cfg model.SessionConfig, compID model.CompID, def model.ComputationDefinition, ipcSocket, tempDir string) (computation.SpawnSpec, error) {
	program := model.Get(def.Packaging, "program", "")
	if program == "" {
		return computation.SpawnSpec{}, agenterr.NewSubprocess(fmt.Sprintf("computation %q has no packaging.program", def.Name), nil)
	}
	rawArgs := model.Get[[]any](def.Packaging, "args", nil)
	args := make([]string, 0, len(rawArgs))
	for _, a := range rawArgs {
		if s, ok := a.(string); ok {
			args = append(args, s)
		}
	}

	env := make([]string, 0, len(def.Environment))
	for k, v := range def.Environment {
		env = append(env, k+"="+v)
	}

	doc := execConfigDoc{
		SessionID:  cfg.SessionID,
		NodeID:     cfg.ThisNodeID,
		CompID:     compID,
		IPCSocket:  ipcSocket,
		LogLevel:   cfg.LogLevel,
		Definition: def,
		Routing:    cfg.Nodes,
		UserInfo:   cfg.UserInfo,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return computation.SpawnSpec{}, agenterr.NewSubprocess("failed to marshal exec config", err)
	}

	path := filepath.Join(tempDir, fmt.Sprintf("exec-%s-%s.json", def.Name, compID))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return computation.SpawnSpec{}, agenterr.NewSubprocess("failed to write exec config", err)
	}

	return computation.SpawnSpec{
		CompID:           compID,
		Name:             def.Name,
		Program:          program,
		Args:             args,
		Env:              env,
		WorkingDir:       def.WorkingDir,
		CleanupProcGroup: true,
	}, nil
}
