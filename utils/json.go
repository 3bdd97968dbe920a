package utils

import (
	"bytes"
	"errors"
	"sync"

	"github.com/bytedance/sonic"
)

const maxPooledBuffer = 16 * 1024

var ErrNilConfig = errors.New("config is nil")

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// Marshal encodes data through a pooled buffer. The result is a fresh copy
// and ends with a newline.
func Marshal(data interface{}) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			bufferPool.Put(buf)
		}
	}()

	if err := sonic.ConfigDefault.NewEncoder(buf).Encode(data); err != nil {
		return nil, err
	}

	return bytes.Clone(buf.Bytes()), nil
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

// UnmarshalConfig decodes an untyped component config (usually a YAML map)
// into target. A value already of type *T is copied as is.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return ErrNilConfig
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	raw, err := sonic.ConfigDefault.Marshal(config)
	if err != nil {
		return err
	}

	return sonic.ConfigDefault.Unmarshal(raw, target)
}
