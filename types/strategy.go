package types

import (
	"context"
	"strings"
	"time"
)

type StrategyKind int

const (
	CacheFirst StrategyKind = iota + 1
	NetworkFirst
	StaleWhileRevalidate
)

func (k StrategyKind) String() string {
	switch k {
	case CacheFirst:
		return "cache_first"
	case NetworkFirst:
		return "network_first"
	case StaleWhileRevalidate:
		return "stale_while_revalidate"
	default:
		return "unknown"
	}
}

func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "cache_first", "cachefirst":
		return CacheFirst, nil
	case "network_first", "networkfirst":
		return NetworkFirst, nil
	case "stale_while_revalidate", "stalewhilerevalidate", "swr":
		return StaleWhileRevalidate, nil
	default:
		return 0, Errorf(ErrStrategyUnknown, "strategy: %q", s)
	}
}

func (k StrategyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StrategyKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategyKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// StrategyRule binds a request pattern to a serving strategy and a logical
// bucket. A zero MaxAge means entries never expire; a zero NetworkTimeout
// means the network is awaited without a deadline.
type StrategyRule struct {
	Pattern        string        `yaml:"pattern" json:"pattern" validate:"required"`
	Strategy       StrategyKind  `yaml:"strategy" json:"strategy" validate:"required"`
	Bucket         string        `yaml:"bucket" json:"bucket" validate:"required"`
	MaxAge         time.Duration `yaml:"max_age" json:"max_age" validate:"min=0"`
	NetworkTimeout time.Duration `yaml:"network_timeout" json:"network_timeout" validate:"min=0"`
	Methods        []string      `yaml:"methods" json:"methods"`
}

// Fetcher performs the network leg. Any HTTP status is a response; only
// transport failures are errors, and those wrap ErrNetwork.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Background runs detached work bound to a generation. Go reports false when
// the owner has been retired and the work was not started.
type Background interface {
	Go(name string, fn func(ctx context.Context)) bool
}
