package types

import (
	"strconv"
	"time"
)

// Duration is a time.Duration for component params that arrive as untyped
// blobs. It decodes from "1m30s" style strings or from nanosecond numbers.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		raw, err := strconv.Unquote(string(data))
		if err != nil {
			return Errorf(ErrInvalidParameter, "duration %s", data)
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Errorf(ErrInvalidParameter, "duration %q: %v", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	if string(data) == "null" {
		return nil
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return Errorf(ErrInvalidParameter, "duration %s", data)
	}
	*d = Duration(n)
	return nil
}
