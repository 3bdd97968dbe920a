package replay

import (
	"github.com/saiset-co/sai-offline/types"
)

// SyncStoreCreator builds a custom task store from its raw config blob.
type SyncStoreCreator func(config interface{}) (types.SyncStore, error)

var customStoreCreators = make(map[string]SyncStoreCreator)

func RegisterSyncStore(storeType string, creator SyncStoreCreator) {
	customStoreCreators[storeType] = creator
}

func NewSyncStore(config *types.SyncConfig, logger types.Logger) (types.SyncStore, error) {
	storeType := ""
	var raw interface{}
	if config != nil {
		storeType = config.Store
		raw = config.Config
	}

	switch storeType {
	case "", "memory":
		return NewMemoryStore(logger), nil
	case "clover":
		return NewCloverStore(logger, raw)
	default:
		if creator, exists := customStoreCreators[storeType]; exists {
			return creator(raw)
		}
		return nil, types.Errorf(types.ErrSyncStoreTypeUnknown, "type: %s", storeType)
	}
}
