package toolcaller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoomLoopGuard_TripsAfterThreshold(t *testing.T) {
	g := NewDoomLoopGuard()
	for i := 0; i < doomLoopThreshold; i++ {
		require.NoError(t, g.Check("edit", `{"path":"a.go"}`))
		g.RecordCompletion("edit", `{"path":"a.go"}`)
	}
	assert.Error(t, g.Check("edit", `{"path":"a.go"}`))
}

func TestDoomLoopGuard_Reset_ClearsHistory(t *testing.T) {
	g := NewDoomLoopGuard()
	for i := 0; i < doomLoopThreshold; i++ {
		g.RecordCompletion("edit", `{"path":"a.go"}`)
	}
	require.Error(t, g.Check("edit", `{"path":"a.go"}`))

	g.Reset()

	assert.NoError(t, g.Check("edit", `{"path":"a.go"}`))
}
