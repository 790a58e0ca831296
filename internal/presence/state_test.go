package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestMergeAddsAndReplacesKeys(t *testing.T) {
	stored := State{"status": raw(`"away"`), "device": raw(`"mobile"`)}

	merged, changed := Merge(stored, State{"status": raw(`"online"`), "typing": raw(`true`)})

	assert.True(t, changed)
	assert.Equal(t, State{
		"status": raw(`"online"`),
		"device": raw(`"mobile"`),
		"typing": raw(`true`),
	}, merged)
}

func TestMergeIdenticalPatchIsUnchanged(t *testing.T) {
	stored := State{"status": raw(`"online"`)}

	merged, changed := Merge(stored, State{"status": raw(`"online"`)})

	assert.False(t, changed)
	assert.Equal(t, stored, merged)
}

func TestMergeEquivalentEncodingIsUnchanged(t *testing.T) {
	// Same JSON value, different text.
	stored := State{"count": raw(`1`)}

	_, changed := Merge(stored, State{"count": raw(`1.0`)})

	assert.False(t, changed)
}

func TestMergeNullValueIsKept(t *testing.T) {
	stored := State{"status": raw(`"online"`)}

	merged, changed := Merge(stored, State{"status": raw(`null`)})

	assert.True(t, changed)
	require.Contains(t, merged, "status")
	assert.Equal(t, raw(`null`), merged["status"])
}

func TestMergeNilValueDeletesKey(t *testing.T) {
	stored := State{"status": raw(`"online"`), "device": raw(`"mobile"`)}

	merged, changed := Merge(stored, State{"device": nil})

	assert.True(t, changed)
	assert.Equal(t, State{"status": raw(`"online"`)}, merged)
}

func TestMergeNilDeleteOfAbsentKeyIsUnchanged(t *testing.T) {
	stored := State{"status": raw(`"online"`)}

	merged, changed := Merge(stored, State{"device": nil})

	assert.False(t, changed)
	assert.Equal(t, stored, merged)
}

func TestMergeEmptyPatch(t *testing.T) {
	stored := State{"status": raw(`"online"`)}

	merged, changed := Merge(stored, nil)

	assert.False(t, changed)
	assert.Equal(t, stored, merged)
}

func TestMergeDoesNotMutateStored(t *testing.T) {
	stored := State{"status": raw(`"online"`)}

	Merge(stored, State{"status": raw(`"away"`), "extra": raw(`1`)})

	assert.Equal(t, State{"status": raw(`"online"`)}, stored)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := State{"status": raw(`"online"`), "pos": raw(`{"x":1,"y":2}`)}

	encoded, err := EncodeState(s)
	require.NoError(t, err)

	decoded, err := DecodeState(encoded)
	require.NoError(t, err)
	assert.True(t, Equal(s, decoded))
}

func TestEncodeNilState(t *testing.T) {
	encoded, err := EncodeState(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", encoded)
}

func TestDecodeEmptyString(t *testing.T) {
	decoded, err := DecodeState("")
	require.NoError(t, err)
	assert.Empty(t, decoded)
	assert.NotNil(t, decoded)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeState(`{"status":`)
	assert.Error(t, err)
}
