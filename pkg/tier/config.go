package tier

import (
	"time"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// PromotionPolicy controls when readFile auto-promotes a page to a hotter
// tier.
type PromotionPolicy string

const (
	PromotionNone       PromotionPolicy = "none"
	PromotionOnAccess   PromotionPolicy = "on-access"
	PromotionAggressive PromotionPolicy = "aggressive"
)

// DemotionPolicy controls when the idle sweep demotes a page to a colder
// tier.
type DemotionPolicy string

const (
	DemotionNone  DemotionPolicy = "none"
	DemotionOnAge DemotionPolicy = "on-age"
)

// Config is the tiered placement engine's configuration. The hot tier is
// always enabled; warm and cold are enabled by setting WarmEnabled and
// ColdEnabled.
type Config struct {
	HotMaxSize  int64
	WarmMaxSize int64

	WarmEnabled bool
	ColdEnabled bool

	MaxCacheSize int // tier map entry cap before LRU eviction

	PromotionPolicy   PromotionPolicy
	DemotionPolicy    DemotionPolicy
	OnAccessThreshold int           // default 3
	OnAccessWindow    time.Duration // default 60s
	HotMaxAge         time.Duration // default 24h
	WarmMaxAge        time.Duration // default 30 * 24h
	LatencyWindowSize int           // default 100
}

// WithDefaults returns a copy of cfg with zero-value fields set to their
// spec-mandated defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.MaxCacheSize == 0 {
		cfg.MaxCacheSize = 10000
	}
	if cfg.PromotionPolicy == "" {
		cfg.PromotionPolicy = PromotionNone
	}
	if cfg.DemotionPolicy == "" {
		cfg.DemotionPolicy = DemotionNone
	}
	if cfg.OnAccessThreshold == 0 {
		cfg.OnAccessThreshold = 3
	}
	if cfg.OnAccessWindow == 0 {
		cfg.OnAccessWindow = 60 * time.Second
	}
	if cfg.HotMaxAge == 0 {
		cfg.HotMaxAge = 24 * time.Hour
	}
	if cfg.WarmMaxAge == 0 {
		cfg.WarmMaxAge = 30 * 24 * time.Hour
	}
	if cfg.LatencyWindowSize == 0 {
		cfg.LatencyWindowSize = 100
	}
	return cfg
}

// Validate checks the invariants the spec requires of a tier configuration.
func (cfg Config) Validate() error {
	if cfg.HotMaxSize < 0 {
		return &errtypes.Config{Field: "hotMaxSize", Reason: "must be non-negative"}
	}
	if cfg.WarmMaxSize < 0 {
		return &errtypes.Config{Field: "warmMaxSize", Reason: "must be non-negative"}
	}
	if cfg.HotMaxSize > cfg.WarmMaxSize && cfg.WarmEnabled {
		return &errtypes.Config{Field: "hotMaxSize", Reason: "must be <= warmMaxSize"}
	}
	switch cfg.PromotionPolicy {
	case "", PromotionNone, PromotionOnAccess, PromotionAggressive:
	default:
		return &errtypes.Config{Field: "promotionPolicy", Reason: "must be one of none|on-access|aggressive"}
	}
	switch cfg.DemotionPolicy {
	case "", DemotionNone, DemotionOnAge:
	default:
		return &errtypes.Config{Field: "demotionPolicy", Reason: "must be one of none|on-age"}
	}
	if cfg.OnAccessThreshold < 0 {
		return &errtypes.Config{Field: "onAccessThreshold", Reason: "must be non-negative"}
	}
	if cfg.HotMaxAge < 0 {
		return &errtypes.Config{Field: "hotMaxAgeDays", Reason: "must be non-negative"}
	}
	if cfg.WarmMaxAge < 0 {
		return &errtypes.Config{Field: "warmMaxAgeDays", Reason: "must be non-negative"}
	}
	return nil
}

// Tier names, used both as map keys and as the string persisted alongside
// file/page metadata.
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// selectTier implements the size-based placement rule: hot if it fits
// under HotMaxSize, else warm if it fits and is enabled, else cold if
// enabled, falling back to warm then hot as tiers are disabled.
func (cfg Config) selectTier(size int64) string {
	if size <= cfg.HotMaxSize {
		return TierHot
	}
	if size <= cfg.WarmMaxSize {
		if cfg.WarmEnabled {
			return TierWarm
		}
		return TierHot
	}
	if cfg.ColdEnabled {
		return TierCold
	}
	if cfg.WarmEnabled {
		return TierWarm
	}
	return TierHot
}

// enabled reports whether tier is currently usable.
func (cfg Config) enabled(t string) bool {
	switch t {
	case TierHot:
		return true
	case TierWarm:
		return cfg.WarmEnabled
	case TierCold:
		return cfg.ColdEnabled
	default:
		return false
	}
}
