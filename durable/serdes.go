package durable

import (
	"encoding/json"
	"fmt"
)

// Serdes converts operation values to and from the opaque string payloads the
// service stores. A nil payload represents "no value".
type Serdes[T any] interface {
	Serialize(v T) (*string, error)
	Deserialize(payload *string) (T, error)
}

// JSONSerdes is the default Serdes. It encodes values with encoding/json.
type JSONSerdes[T any] struct{}

// Serialize encodes v as JSON.
func (JSONSerdes[T]) Serialize(v T) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize %T: %w", v, err)
	}
	s := string(b)
	return &s, nil
}

// Deserialize decodes a JSON payload. A nil payload yields the zero value.
func (JSONSerdes[T]) Deserialize(payload *string) (T, error) {
	var v T
	if payload == nil {
		return v, nil
	}
	if err := json.Unmarshal([]byte(*payload), &v); err != nil {
		return v, fmt.Errorf("deserialize %T: %w", v, err)
	}
	return v, nil
}

// PassThroughSerdes stores payloads unchanged, for values already in wire form.
type PassThroughSerdes struct{}

// Serialize returns v as the payload.
func (PassThroughSerdes) Serialize(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s := *v
	return &s, nil
}

// Deserialize returns the payload as is.
func (PassThroughSerdes) Deserialize(payload *string) (*string, error) {
	if payload == nil {
		return nil, nil
	}
	s := *payload
	return &s, nil
}

func serdesOrDefault[T any](s Serdes[T]) Serdes[T] {
	if s == nil {
		return JSONSerdes[T]{}
	}
	return s
}
