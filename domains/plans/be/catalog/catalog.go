package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultCatalogYAML []byte

// Tier identifies a plan tier. Tiers are ordered Free < Pro < Enterprise.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierEnterprise: 2,
}

// ParseTier normalises a tier identifier (case-insensitive).
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank orders tiers; unknown tiers rank below Free.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// Metric names a consumption counter.
type Metric string

const (
	MetricExternalUsers     Metric = "externalUsersActive"
	MetricAPICalls          Metric = "apiCallsThisPeriod"
	MetricDocumentLibraries Metric = "documentLibraries"
	MetricLicensedUsers     Metric = "licensedUsers"
)

// Feature names a boolean plan capability.
type Feature string

const (
	FeatureAdvancedPolicies Feature = "advancedPolicies"
	FeatureAuditExport      Feature = "auditExport"
	FeatureCustomBranding   Feature = "customBranding"
	FeatureSSOIntegration   Feature = "ssoIntegration"
)

// Unlimited is the limit sentinel for metrics without a cap.
const Unlimited int64 = -1

var (
	ErrUnknownTier    = errors.New("unknown plan tier")
	ErrUnknownMetric  = errors.New("unknown metric")
	ErrUnknownFeature = errors.New("unknown feature")
)

// Limit is the cap for one metric. PerSeat limits are multiplied by the subscription quantity.
type Limit struct {
	Max     int64 `yaml:"max"`
	PerSeat bool  `yaml:"perSeat"`
}

// UnmarshalYAML accepts either a bare number or a {max, perSeat} mapping.
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var max int64
		if err := value.Decode(&max); err != nil {
			return err
		}
		*l = Limit{Max: max}
		return nil
	}

	type plain Limit
	var decoded plain
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	*l = Limit(decoded)
	return nil
}

// Plan is an immutable plan definition.
type Plan struct {
	Tier        Tier             `yaml:"tier"`
	DisplayName string           `yaml:"displayName"`
	Description string           `yaml:"description"`
	TrialDays   int              `yaml:"trialDays"`
	Limits      map[Metric]Limit `yaml:"limits"`
	Features    map[Feature]bool `yaml:"features"`
}

// OffersTrial reports whether new subscriptions on this plan start Trialing.
func (p Plan) OffersTrial() bool {
	return p.TrialDays > 0
}

// TrialLength returns the trial duration for new subscriptions.
func (p Plan) TrialLength() time.Duration {
	return time.Duration(p.TrialDays) * 24 * time.Hour
}

// LimitFor resolves the effective limit for a metric given the seat quantity.
func (p Plan) LimitFor(metric Metric, quantity int) (int64, error) {
	l, ok := p.Limits[metric]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	if l.Max == Unlimited || !l.PerSeat {
		return l.Max, nil
	}
	if quantity < 1 {
		quantity = 1
	}
	return l.Max * int64(quantity), nil
}

// HasFeature reports whether the plan enables f.
func (p Plan) HasFeature(f Feature) bool {
	return p.Features[f]
}

// Policy holds lifecycle windows shared by all plans.
type Policy struct {
	TrialGrace        time.Duration
	CancellationGrace time.Duration
}

type catalogFile struct {
	Version string `yaml:"version"`
	Policy  struct {
		TrialGraceDays        int `yaml:"trialGraceDays"`
		CancellationGraceDays int `yaml:"cancellationGraceDays"`
	} `yaml:"policy"`
	Plans []Plan `yaml:"plans"`
}

// Catalog is the versioned, read-only table of plans. Safe for concurrent use.
type Catalog struct {
	version  string
	policy   Policy
	plans    map[Tier]Plan
	metrics  []Metric
	features []Feature
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Load(defaultCatalogYAML)
}

// MustDefault is Default for static initialisation and tests.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(fmt.Sprintf("load embedded plan catalog: %v", err))
	}
	return c
}

// LoadFile reads a catalog from a YAML file on disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates a catalog document.
func Load(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	if strings.TrimSpace(file.Version) == "" {
		return nil, errors.New("plan catalog version is required")
	}
	if file.Policy.TrialGraceDays < 0 || file.Policy.CancellationGraceDays < 0 {
		return nil, errors.New("plan catalog grace windows must not be negative")
	}

	c := &Catalog{
		version: file.Version,
		policy: Policy{
			TrialGrace:        time.Duration(file.Policy.TrialGraceDays) * 24 * time.Hour,
			CancellationGrace: time.Duration(file.Policy.CancellationGraceDays) * 24 * time.Hour,
		},
		plans: make(map[Tier]Plan, len(file.Plans)),
	}

	metricSet := make(map[Metric]struct{})
	featureSet := make(map[Feature]struct{})
	for _, p := range file.Plans {
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, p.Tier)
		}
		if _, dup := c.plans[p.Tier]; dup {
			return nil, fmt.Errorf("plan %q defined twice", p.Tier)
		}
		if p.TrialDays < 0 {
			return nil, fmt.Errorf("plan %q: trialDays must not be negative", p.Tier)
		}
		for metric, l := range p.Limits {
			if l.Max < Unlimited {
				return nil, fmt.Errorf("plan %q: limit for %q must be >= -1", p.Tier, metric)
			}
			metricSet[metric] = struct{}{}
		}
		for f := range p.Features {
			featureSet[f] = struct{}{}
		}
		c.plans[p.Tier] = p
	}

	for t := range tierRank {
		if _, ok := c.plans[t]; !ok {
			return nil, fmt.Errorf("plan catalog is missing tier %q", t)
		}
	}

	for m := range metricSet {
		c.metrics = append(c.metrics, m)
	}
	sort.Slice(c.metrics, func(i, j int) bool { return c.metrics[i] < c.metrics[j] })
	for f := range featureSet {
		c.features = append(c.features, f)
	}
	sort.Slice(c.features, func(i, j int) bool { return c.features[i] < c.features[j] })

	return c, nil
}

// Version identifies the catalog revision recorded on subscriptions.
func (c *Catalog) Version() string { return c.version }

// Policy returns the lifecycle windows.
func (c *Catalog) Policy() Policy { return c.policy }

// Lookup returns the plan for a tier.
func (c *Catalog) Lookup(t Tier) (Plan, bool) {
	p, ok := c.plans[t]
	return p, ok
}

// Plans lists plans from the lowest to the highest tier.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier.Rank() < out[j].Tier.Rank() })
	return out
}

// Metrics lists every metric any plan defines a limit for.
func (c *Catalog) Metrics() []Metric {
	return append([]Metric(nil), c.metrics...)
}

// Features lists every feature flag any plan declares.
func (c *Catalog) Features() []Feature {
	return append([]Feature(nil), c.features...)
}

// KnownFeature reports whether f is declared by the catalog.
func (c *Catalog) KnownFeature(f Feature) bool {
	for _, known := range c.features {
		if known == f {
			return true
		}
	}
	return false
}

// RequiredTier returns the lowest tier that enables f.
func (c *Catalog) RequiredTier(f Feature) (Tier, bool) {
	for _, p := range c.Plans() {
		if p.HasFeature(f) {
			return p.Tier, true
		}
	}
	return "", false
}
