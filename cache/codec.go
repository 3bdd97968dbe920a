package cache

import (
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const envelopeVersion = 1

type envelope struct {
	Version int               `json:"v"`
	Seq     uint64            `json:"seq"`
	Entry   *types.CacheEntry `json:"entry"`
}

func encodeEntry(seq uint64, entry *types.CacheEntry) ([]byte, error) {
	data, err := utils.Marshal(&envelope{Version: envelopeVersion, Seq: seq, Entry: entry})
	if err != nil {
		return nil, types.WrapError(err, "failed to encode cache entry")
	}
	return data, nil
}

// decodeEntry rejects anything that does not round-trip to a consistent entry.
func decodeEntry(data []byte) (*envelope, error) {
	if len(data) == 0 {
		return nil, types.Errorf(types.ErrEntryCorrupt, "empty payload")
	}

	var env envelope
	if err := utils.Unmarshal(data, &env); err != nil {
		return nil, types.Errorf(types.ErrEntryCorrupt, "decode: %v", err)
	}

	if env.Version != envelopeVersion || env.Entry == nil {
		return nil, types.Errorf(types.ErrEntryCorrupt, "unsupported envelope version %d", env.Version)
	}

	if env.Entry.Key == "" {
		return nil, types.Errorf(types.ErrEntryCorrupt, "missing key")
	}

	if env.Entry.Size != int64(len(env.Entry.Payload)) {
		return nil, types.Errorf(types.ErrEntryCorrupt, "size mismatch: declared %d, actual %d",
			env.Entry.Size, len(env.Entry.Payload))
	}

	return &env, nil
}
