package lib

import (
	"bytes"
	"encoding/gob"
	"errors"
)

func SerializeObject[T any](data *T) ([]byte, error) {
	if data == nil {
		return nil, errors.New("cannot serialize nil object")
	}
	buffer := &bytes.Buffer{}
	encoder := gob.NewEncoder(buffer)
	err := encoder.Encode(data)
	return buffer.Bytes(), err
}

func DeserializeObject[T any](input []byte) (*T, error) {
	output := new(T)
	decoder := gob.NewDecoder(bytes.NewBuffer(input))
	err := decoder.Decode(output)
	return output, err
}

// DeepCopy returns a copy of data going through a gob round trip.
// Interface values inside data must be registered with gob.
func DeepCopy[T any](data *T) (*T, error) {
	serialized, err := SerializeObject(data)
	if err != nil {
		return nil, err
	}
	return DeserializeObject[T](serialized)
}
