package decode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refreshed struct {
	Version   int64  `json:"version"`
	ExpiresAt int64  `json:"expiresAt"`
	Reason    string `json:"reason,omitempty"`
}

func TestDecode_FromJSONPayload(t *testing.T) {
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"version":7,"expiresAt":1700000000123}`), &m))

	got, err := Decode[refreshed](m)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Version)
	assert.Equal(t, int64(1700000000123), got.ExpiresAt)
}

func TestDecode_WeakStrings(t *testing.T) {
	got, err := Decode[refreshed](map[string]any{"version": "12"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Version)

	_, err = Decode[refreshed](map[string]any{"version": "x"}, Options{WeaklyTypedInput: false})
	assert.Error(t, err)
}

func TestDecode_Nil(t *testing.T) {
	_, err := Decode[refreshed](nil)
	assert.Error(t, err)
}

func TestToMap(t *testing.T) {
	m, err := ToMap(refreshed{Version: 3, ExpiresAt: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(3), m["version"])
	assert.Equal(t, int64(10), m["expiresAt"])
	_, has := m["reason"]
	assert.False(t, has, "omitempty fields are dropped")

	back, err := Decode[refreshed](m)
	require.NoError(t, err)
	assert.Equal(t, refreshed{Version: 3, ExpiresAt: 10}, *back)
}

func TestReadHelpers(t *testing.T) {
	m := map[string]any{"a": float64(5), "b": "7", "c": "str", "d": true}

	n, err := ReadInt64(m, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = ReadInt64(m, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = ReadInt64(m, "d")
	assert.Error(t, err)
	_, err = ReadInt64(m, "missing")
	assert.Error(t, err)

	s, err := ReadString(m, "c")
	require.NoError(t, err)
	assert.Equal(t, "str", s)
	_, err = ReadString(m, "a")
	assert.Error(t, err)
}
