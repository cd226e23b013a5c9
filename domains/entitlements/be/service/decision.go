package service

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
	subsvc "github.com/zenGate-Global/palmyra-entitlements/domains/subscriptions/be/service"
)

var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrUnknownMetric  = errors.New("unknown metric")
	ErrInvalidDelta   = errors.New("requested delta must not be negative")
	ErrMissingTenant  = errors.New("tenant id is required")
	// ErrUnavailable marks store failures; entitlement checks fail closed on it.
	ErrUnavailable = errors.New("entitlement data unavailable")
)

// Access classifies what a request does to tenant data.
type Access string

const (
	AccessRead   Access = "read"
	AccessWrite  Access = "write"
	AccessCreate Access = "create"
)

// ParseAccess validates an access level.
func ParseAccess(s string) (Access, error) {
	switch a := Access(s); a {
	case AccessRead, AccessWrite, AccessCreate:
		return a, nil
	default:
		return "", fmt.Errorf("unknown access level %q", s)
	}
}

// AccessForMethod derives the access level of an HTTP method: safe methods read,
// POST creates, everything else writes.
func AccessForMethod(method string) Access {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return AccessRead
	case http.MethodPost:
		return AccessCreate
	default:
		return AccessWrite
	}
}

// Reason explains a denial.
type Reason string

const (
	// ReasonSubscriptionInactive denies on Suspended and Cancelled subscriptions.
	ReasonSubscriptionInactive Reason = "subscription-inactive"
	// ReasonGracePeriod denies resource creation while the subscription is in grace.
	ReasonGracePeriod      Reason = "grace-period"
	ReasonFeatureNotInPlan Reason = "feature-not-in-plan"
	ReasonQuotaExceeded    Reason = "quota-exceeded"
)

// Decision is the structured answer to an entitlement check. Denials carry enough
// detail for the caller to render an upgrade prompt.
type Decision struct {
	Allowed  bool
	Reason   Reason
	TenantID string
	Status   subsvc.Status
	Tier     catalog.Tier

	Access       Access
	Feature      catalog.Feature
	RequiredTier catalog.Tier

	Metric  catalog.Metric
	Current int64
	Delta   int64
	// Limit is catalog.Unlimited for uncapped metrics.
	Limit int64
}

// QuotaUsage is one metric of a snapshot.
type QuotaUsage struct {
	Metric    catalog.Metric
	Used      int64
	Limit     int64
	Remaining int64
}

// Snapshot summarises everything a tenant is entitled to right now.
type Snapshot struct {
	TenantID string
	Status   subsvc.Status
	Tier     catalog.Tier
	Quantity int
	// Subscribed is false for tenants evaluated against the default Free plan.
	Subscribed        bool
	TrialEndsAt       *time.Time
	GracePeriodEndsAt *time.Time
	CatalogVersion    string
	Access            map[Access]bool
	Features          map[catalog.Feature]bool
	Quotas            []QuotaUsage
	EvaluatedAt       time.Time
}
