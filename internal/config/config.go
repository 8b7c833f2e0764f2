package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/opencode-ai/relay/pkg/types"
)

// fileConfig mirrors types.Config's closed field set for JSON loading;
// durations are expressed in whole seconds on disk since time.Duration
// does not round-trip through encoding/json on its own.
type fileConfig struct {
	DatabaseResource         string `json:"database_resource"`
	TokenCheckpointThreshold int    `json:"token_checkpoint_threshold"`
	MaxMessageLimit          int    `json:"max_message_limit"`
	CheckpointFunctionID     string `json:"checkpoint_function_id"`
	TitleFunctionID          string `json:"title_function_id"`
	DefaultHost              string `json:"default_host"`
	SessionSecurityScope     string `json:"session_security_scope"`
	GCIntervalSeconds        int    `json:"gc_interval"`
	DelegationFuncID         string `json:"delegation_func_id"`
	EncryptionKey            string `json:"encryption_key"`

	SessionInactivitySeconds int `json:"session_inactivity"`
	ShutdownGraceSeconds     int `json:"shutdown_grace"`
	CancelTimeoutSeconds     int `json:"cancel_timeout"`
	MaxSessionsPerUser       int `json:"max_sessions_per_user"`
}

// Load loads configuration from multiple sources (priority order, each
// overriding the last):
//  1. Defaults (types.Defaults())
//  2. Global config (~/.config/relay/relay.json[c])
//  3. Project config (<directory>/.relay/relay.json[c])
//  4. Environment variables
func Load(directory string) (*types.Config, error) {
	cfg := types.Defaults()

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "relay.json"), &cfg)
	loadConfigFile(filepath.Join(globalPath, "relay.jsonc"), &cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".relay", "relay.json"), &cfg)
		loadConfigFile(filepath.Join(directory, ".relay", "relay.jsonc"), &cfg)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// loadConfigFile merges one JSON(C) file into cfg. A missing file is not
// an error; callers probe several candidate paths unconditionally.
func loadConfigFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data = stripJSONComments(data)

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return err
	}
	mergeFileConfig(cfg, &fc)
	return nil
}

func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	return multiLine.ReplaceAll(data, nil)
}

func mergeFileConfig(cfg *types.Config, fc *fileConfig) {
	if fc.DatabaseResource != "" {
		cfg.DatabaseResource = fc.DatabaseResource
	}
	if fc.TokenCheckpointThreshold != 0 {
		cfg.TokenCheckpointThreshold = fc.TokenCheckpointThreshold
	}
	if fc.MaxMessageLimit != 0 {
		cfg.MaxMessageLimit = fc.MaxMessageLimit
	}
	if fc.CheckpointFunctionID != "" {
		cfg.CheckpointFunctionID = fc.CheckpointFunctionID
	}
	if fc.TitleFunctionID != "" {
		cfg.TitleFunctionID = fc.TitleFunctionID
	}
	if fc.DefaultHost != "" {
		cfg.DefaultHost = fc.DefaultHost
	}
	if fc.SessionSecurityScope != "" {
		cfg.SessionSecurityScope = fc.SessionSecurityScope
	}
	if fc.GCIntervalSeconds != 0 {
		cfg.GCInterval = time.Duration(fc.GCIntervalSeconds) * time.Second
	}
	if fc.DelegationFuncID != "" {
		cfg.DelegationFuncID = fc.DelegationFuncID
	}
	if fc.EncryptionKey != "" {
		cfg.EncryptionKey = fc.EncryptionKey
	}
	if fc.SessionInactivitySeconds != 0 {
		cfg.SessionInactivity = time.Duration(fc.SessionInactivitySeconds) * time.Second
	}
	if fc.ShutdownGraceSeconds != 0 {
		cfg.ShutdownGrace = time.Duration(fc.ShutdownGraceSeconds) * time.Second
	}
	if fc.CancelTimeoutSeconds != 0 {
		cfg.CancelTimeout = time.Duration(fc.CancelTimeoutSeconds) * time.Second
	}
	if fc.MaxSessionsPerUser != 0 {
		cfg.MaxSessionsPerUser = fc.MaxSessionsPerUser
	}
}

// applyEnvOverrides applies the closed set of RELAY_* environment
// variables, each overriding whatever the file layer produced.
func applyEnvOverrides(cfg *types.Config) {
	if v := os.Getenv("RELAY_DATABASE_RESOURCE"); v != "" {
		cfg.DatabaseResource = v
	}
	if v := envInt("RELAY_TOKEN_CHECKPOINT_THRESHOLD"); v != 0 {
		cfg.TokenCheckpointThreshold = v
	}
	if v := envInt("RELAY_MAX_MESSAGE_LIMIT"); v != 0 {
		cfg.MaxMessageLimit = v
	}
	if v := os.Getenv("RELAY_CHECKPOINT_FUNCTION_ID"); v != "" {
		cfg.CheckpointFunctionID = v
	}
	if v := os.Getenv("RELAY_TITLE_FUNCTION_ID"); v != "" {
		cfg.TitleFunctionID = v
	}
	if v := os.Getenv("RELAY_DEFAULT_HOST"); v != "" {
		cfg.DefaultHost = v
	}
	if v := os.Getenv("RELAY_SESSION_SECURITY_SCOPE"); v != "" {
		cfg.SessionSecurityScope = v
	}
	if v := envDuration("RELAY_GC_INTERVAL"); v != 0 {
		cfg.GCInterval = v
	}
	if v := os.Getenv("RELAY_DELEGATION_FUNC_ID"); v != "" {
		cfg.DelegationFuncID = v
	}
	if v := os.Getenv("RELAY_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := envDuration("RELAY_SESSION_INACTIVITY"); v != 0 {
		cfg.SessionInactivity = v
	}
	if v := envDuration("RELAY_SHUTDOWN_GRACE"); v != 0 {
		cfg.ShutdownGrace = v
	}
	if v := envDuration("RELAY_CANCEL_TIMEOUT"); v != 0 {
		cfg.CancelTimeout = v
	}
	if v := envInt("RELAY_MAX_SESSIONS_PER_USER"); v != 0 {
		cfg.MaxSessionsPerUser = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	n := envInt(key)
	if n == 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
