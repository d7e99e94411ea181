package binary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateUnregistered,
	StateInactive,
	StateLoadingDone,
	StateRunning,
	StateWaitUnload,
	StateFault,
}

func TestValidTransition_Table(t *testing.T) {
	legal := map[[2]State]bool{
		{StateInactive, StateLoadingDone}: true,
		{StateLoadingDone, StateRunning}:  true,
		{StateRunning, StateWaitUnload}:   true,
		{StateRunning, StateFault}:        true,
		{StateWaitUnload, StateInactive}:  true,
		{StateFault, StateInactive}:       true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := legal[[2]State{from, to}]
			assert.Equal(t, want, ValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestValidTransition_NothingReentersUnregistered(t *testing.T) {
	for _, from := range allStates {
		assert.False(t, ValidTransition(from, StateUnregistered), "%s -> UNREGISTERED", from)
	}
}

func TestState_StringRoundTrip(t *testing.T) {
	for _, s := range allStates {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseState("BOGUS")
	assert.Error(t, err)
	assert.Equal(t, "State(42)", State(42).String())
}

func TestState_NeedsResponse(t *testing.T) {
	for _, s := range allStates {
		assert.Equal(t, s == StateWaitUnload, s.NeedsResponse(), s.String())
	}
}

func TestState_Occupied(t *testing.T) {
	assert.False(t, StateInactive.Occupied())
	assert.False(t, StateUnregistered.Occupied())
	assert.True(t, StateLoadingDone.Occupied())
	assert.True(t, StateRunning.Occupied())
	assert.True(t, StateWaitUnload.Occupied())
	assert.True(t, StateFault.Occupied())
}

func TestParseRuntimeType(t *testing.T) {
	rt, err := ParseRuntimeType("realtime")
	require.NoError(t, err)
	assert.Equal(t, RuntimeRealtime, rt)

	rt, err = ParseRuntimeType("")
	require.NoError(t, err)
	assert.Equal(t, RuntimeNonRealtime, rt)

	_, err = ParseRuntimeType("sometimes")
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZMA, CompressionMiniz} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("zip")
	assert.Error(t, err)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("camera"))
	assert.True(t, IsCode(ValidateName(""), CodeInvalidArgument))
	assert.True(t, IsCode(ValidateName("a-name-that-is-too-long"), CodeInvalidArgument))
}
