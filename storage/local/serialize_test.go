package local

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeInt(t *testing.T) {
	ser, err := SerializeInt(boltFileVersion)
	require.NoError(t, err)

	back, err := DeserializeInt(ser)
	require.NoError(t, err)

	assert.Equal(t, boltFileVersion, back)
}

func TestSerializeUID(t *testing.T) {
	for _, uid := range []uint64{0, 1, 31, 32, 1024, 1<<32 + 5} {
		key := SerializeUID(msgPrefix, uid)
		assert.Equal(t, uid, DeserializeUID(msgPrefix, key))
	}
	assert.Zero(t, DeserializeUID(msgPrefix, []byte(msgPrefix+"12")))
}

func TestSerializedUIDsKeepOrder(t *testing.T) {
	previous := SerializeUID(msgPrefix, 9)
	for _, uid := range []uint64{10, 32, 33, 1000, 1 << 40} {
		key := SerializeUID(msgPrefix, uid)
		assert.Equal(t, 1, bytes.Compare(key, previous), uid)
		previous = key
	}
}
