package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, c.Version())

	plans := c.Plans()
	require.Len(t, plans, 3)
	require.Equal(t, []Tier{TierFree, TierPro, TierEnterprise}, []Tier{plans[0].Tier, plans[1].Tier, plans[2].Tier})

	require.Equal(t, 7*24*time.Hour, c.Policy().TrialGrace)
	require.Equal(t, 30*24*time.Hour, c.Policy().CancellationGrace)
}

func TestProExternalUserLimit(t *testing.T) {
	pro, ok := MustDefault().Lookup(TierPro)
	require.True(t, ok)

	limit, err := pro.LimitFor(MetricExternalUsers, 1)
	require.NoError(t, err)
	require.Equal(t, int64(50), limit)
	require.True(t, pro.OffersTrial())
}

func TestLimitForPerSeatAndUnlimited(t *testing.T) {
	c := MustDefault()

	pro, _ := c.Lookup(TierPro)
	limit, err := pro.LimitFor(MetricLicensedUsers, 12)
	require.NoError(t, err)
	require.Equal(t, int64(12), limit)

	limit, err = pro.LimitFor(MetricLicensedUsers, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), limit)

	ent, _ := c.Lookup(TierEnterprise)
	limit, err = ent.LimitFor(MetricExternalUsers, 3)
	require.NoError(t, err)
	require.Equal(t, Unlimited, limit)

	_, err = ent.LimitFor(Metric("bogus"), 1)
	require.ErrorIs(t, err, ErrUnknownMetric)
}

func TestRequiredTier(t *testing.T) {
	c := MustDefault()

	testCases := []struct {
		feature Feature
		want    Tier
		found   bool
	}{
		{FeatureAdvancedPolicies, TierPro, true},
		{FeatureAuditExport, TierEnterprise, true},
		{FeatureSSOIntegration, TierEnterprise, true},
		{Feature("teleport"), "", false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.feature), func(t *testing.T) {
			got, ok := c.RequiredTier(tc.feature)
			require.Equal(t, tc.found, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" Pro ")
	require.NoError(t, err)
	require.Equal(t, TierPro, tier)

	_, err = ParseTier("platinum")
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{
			name: "missing version",
			doc:  "plans: []",
		},
		{
			name: "missing tier",
			doc: `
version: "1"
plans:
  - tier: free
  - tier: pro
`,
		},
		{
			name: "limit below sentinel",
			doc: `
version: "1"
plans:
  - tier: free
    limits: {externalUsersActive: -2}
  - tier: pro
  - tier: enterprise
`,
		},
		{
			name: "unknown tier",
			doc: `
version: "1"
plans:
  - tier: platinum
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestLimitAcceptsScalarAndMapping(t *testing.T) {
	doc := `
version: "test"
plans:
  - tier: free
    limits:
      externalUsersActive: 2
      licensedUsers: {max: 3, perSeat: true}
  - tier: pro
  - tier: enterprise
`
	c, err := Load([]byte(doc))
	require.NoError(t, err)

	free, _ := c.Lookup(TierFree)
	require.Equal(t, Limit{Max: 2}, free.Limits[MetricExternalUsers])
	require.Equal(t, Limit{Max: 3, PerSeat: true}, free.Limits[MetricLicensedUsers])
	require.ElementsMatch(t, []Metric{MetricExternalUsers, MetricLicensedUsers}, c.Metrics())
}
