package local

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

func SerializeInt(value int) ([]byte, error) {
	buffer := &bytes.Buffer{}
	encoder := gob.NewEncoder(buffer)
	err := encoder.Encode(value)
	return buffer.Bytes(), err
}

func DeserializeInt(input []byte) (int, error) {
	output := 0
	decoder := gob.NewDecoder(bytes.NewBuffer(input))
	err := decoder.Decode(&output)
	return output, err
}

// SerializeUID returns the prefix followed by the big endian id,
// so the keys of a bucket iterate in the order of the local message IDs
func SerializeUID(prefix string, uid uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uid)
	return key
}

func DeserializeUID(prefix string, key []byte) uint64 {
	key = bytes.TrimPrefix(key, []byte(prefix))
	if len(key) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}
