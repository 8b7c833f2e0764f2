package toolcaller

import (
	"encoding/json"
	"fmt"
	"sync"
)

// doomLoopThreshold is the number of prior completed calls with identical
// input that trips the guard.
const doomLoopThreshold = 3

// DoomLoopGuard detects a tool being invoked repeatedly with identical
// arguments within one session. There is no permission-prompt escape
// hatch here (the security/permission collaborator is out of scope), so
// the guard always denies once the threshold is crossed.
type DoomLoopGuard struct {
	mu      sync.Mutex
	history map[string]int // tool name + normalized args -> count
}

func NewDoomLoopGuard() *DoomLoopGuard {
	return &DoomLoopGuard{history: make(map[string]int)}
}

// RecordCompletion is called after a tool call finishes successfully.
func (g *DoomLoopGuard) RecordCompletion(toolName, argsJSON string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history[key(toolName, argsJSON)]++
}

// Reset clears all recorded call counts. Called when a checkpoint is
// created, so the guard only ever scans back to the checkpoint rather
// than accumulating for the whole actor lifetime.
func (g *DoomLoopGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = make(map[string]int)
}

// Check returns an error if dispatching this call would exceed the
// repeat-call threshold.
func (g *DoomLoopGuard) Check(toolName, argsJSON string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.history[key(toolName, argsJSON)] >= doomLoopThreshold {
		return fmt.Errorf("toolcaller: doom loop detected: %s called %d times with identical input", toolName, g.history[key(toolName, argsJSON)])
	}
	return nil
}

func key(toolName, argsJSON string) string {
	var normalized any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &normalized); err == nil {
			if data, err := json.Marshal(normalized); err == nil {
				argsJSON = string(data)
			}
		}
	}
	return toolName + "\x00" + argsJSON
}
