package types

type GenerationState int32

const (
	GenerationInstalling GenerationState = iota
	GenerationWaiting
	GenerationActive
	GenerationRedundant
)

func (s GenerationState) String() string {
	switch s {
	case GenerationInstalling:
		return "installing"
	case GenerationWaiting:
		return "waiting"
	case GenerationActive:
		return "active"
	case GenerationRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

type BucketSpec struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	SizeLimit int64  `yaml:"size_limit" json:"size_limit" validate:"min=1"`
}

type FallbackCategory string

const (
	FallbackNavigation FallbackCategory = "navigation"
	FallbackImage      FallbackCategory = "image"
	FallbackGeneric    FallbackCategory = "generic"
)

type FallbackSpec struct {
	Category FallbackCategory `yaml:"category" json:"category" validate:"required,oneof=navigation image generic"`
	Key      string           `yaml:"key" json:"key"`
}

// GenerationSpec is everything needed to install one generation.
type GenerationSpec struct {
	Version        string         `yaml:"version" json:"version" validate:"required"`
	PrecacheBucket string         `yaml:"precache_bucket" json:"precache_bucket" validate:"required"`
	PrecacheLimit  int64          `yaml:"precache_limit" json:"precache_limit" validate:"min=1"`
	Buckets        []BucketSpec   `yaml:"buckets" json:"buckets" validate:"dive"`
	Rules          []StrategyRule `yaml:"rules" json:"rules" validate:"dive"`
	Manifest       []string       `yaml:"manifest" json:"manifest"`
	Fallbacks      []FallbackSpec `yaml:"fallbacks" json:"fallbacks" validate:"dive"`
}

// BucketName embeds the version tag so each generation owns distinct buckets.
func BucketName(logical, version string) string {
	return logical + "-" + version
}

type GenerationInfo struct {
	Version string   `json:"version"`
	State   string   `json:"state"`
	Buckets []string `json:"buckets"`
	Clients int      `json:"clients"`
}

type LifecycleEvent struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	State   string `json:"state"`
}
