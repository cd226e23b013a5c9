package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-entitlements/domains/plans/be/catalog"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	return NewMachine(catalog.MustDefault())
}

func ptr[T any](v T) *T { return &v }

func existing(status Status, tier catalog.Tier) *Subscription {
	return &Subscription{
		TenantID:    "tenant-1",
		Tier:        tier,
		Status:      status,
		Quantity:    5,
		ExternalRef: "sub-ref-1",
		Version:     3,
		LastEventID: "evt-prev",
		CreatedAt:   testNow.Add(-30 * 24 * time.Hour),
		UpdatedAt:   testNow.Add(-time.Hour),
	}
}

func event(typ EventType, id string) Event {
	return Event{ID: id, SubscriptionRef: "sub-ref-1", Type: typ, OccurredAt: testNow}
}

func TestApplySubscribedCreatesTrialWhenPlanOffersOne(t *testing.T) {
	m := newTestMachine(t)

	ev := event(EventSubscribed, "evt-1")
	ev.TenantID = "tenant-1"
	ev.Tier = catalog.TierPro

	tr, err := m.Apply(nil, ev, testNow)
	require.NoError(t, err)
	require.Equal(t, Status(""), tr.From)
	require.Equal(t, StatusTrialing, tr.Next.Status)
	require.Equal(t, int64(1), tr.Next.Version)
	require.Equal(t, "evt-1", tr.Next.LastEventID)
	require.Equal(t, 1, tr.Next.Quantity)
	require.Equal(t, testNow.Add(14*24*time.Hour), *tr.Next.TrialEndsAt)
	require.Equal(t, testNow.Add(21*24*time.Hour), *tr.Next.GracePeriodEndsAt)
	require.Equal(t, []Effect{EffectCreated}, tr.Effects)
}

func TestApplySubscribedActiveWithoutTrial(t *testing.T) {
	m := newTestMachine(t)

	free := event(EventSubscribed, "evt-1")
	free.TenantID = "tenant-1"
	free.Tier = catalog.TierFree
	tr, err := m.Apply(nil, free, testNow)
	require.NoError(t, err)
	require.Equal(t, StatusActive, tr.Next.Status)
	require.Nil(t, tr.Next.TrialEndsAt)

	paid := event(EventSubscribed, "evt-2")
	paid.TenantID = "tenant-1"
	paid.Tier = catalog.TierPro
	paid.Trial = ptr(false)
	paid.Quantity = 10
	tr, err = m.Apply(nil, paid, testNow)
	require.NoError(t, err)
	require.Equal(t, StatusActive, tr.Next.Status)
	require.Equal(t, 10, tr.Next.Quantity)
}

func TestApplyRequiresTenantForNewSubscription(t *testing.T) {
	m := newTestMachine(t)

	ev := event(EventSubscribed, "evt-1")
	ev.Tier = catalog.TierPro

	_, err := m.Apply(nil, ev, testNow)
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestApplyWithoutSubscriptionRejectsNonSubscribed(t *testing.T) {
	m := newTestMachine(t)

	_, err := m.Apply(nil, event(EventRenewed, "evt-1"), testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, Status(""), te.From)
	require.Contains(t, te.Error(), "from status none")
}

func TestApplyTransitionTable(t *testing.T) {
	testCases := []struct {
		name       string
		from       Status
		event      EventType
		tier       catalog.Tier
		quantity   int
		wantStatus Status
		wantNoOp   bool
		wantErr    error
	}{
		{name: "trial renewed", from: StatusTrialing, event: EventRenewed, wantStatus: StatusActive},
		{name: "trial plan change", from: StatusTrialing, event: EventChangePlan, tier: catalog.TierEnterprise, wantStatus: StatusActive},
		{name: "trial subscribed", from: StatusTrialing, event: EventSubscribed, tier: catalog.TierPro, wantStatus: StatusActive},
		{name: "trial quantity", from: StatusTrialing, event: EventChangeQuantity, quantity: 9, wantStatus: StatusTrialing},
		{name: "trial suspended", from: StatusTrialing, event: EventSuspended, wantErr: ErrInvalidTransition},
		{name: "trial unsubscribed", from: StatusTrialing, event: EventUnsubscribed, wantErr: ErrInvalidTransition},

		{name: "active plan change", from: StatusActive, event: EventChangePlan, tier: catalog.TierEnterprise, wantStatus: StatusActive},
		{name: "active same plan", from: StatusActive, event: EventChangePlan, tier: catalog.TierPro, wantNoOp: true},
		{name: "active same plan new quantity", from: StatusActive, event: EventChangePlan, tier: catalog.TierPro, quantity: 8, wantStatus: StatusActive},
		{name: "active same plan same quantity", from: StatusActive, event: EventChangePlan, tier: catalog.TierPro, quantity: 5, wantNoOp: true},
		{name: "active quantity", from: StatusActive, event: EventChangeQuantity, quantity: 7, wantStatus: StatusActive},
		{name: "active same quantity", from: StatusActive, event: EventChangeQuantity, quantity: 5, wantNoOp: true},
		{name: "active suspended", from: StatusActive, event: EventSuspended, wantStatus: StatusSuspended},
		{name: "active unsubscribed", from: StatusActive, event: EventUnsubscribed, wantStatus: StatusCancelled},
		{name: "active reinstated", from: StatusActive, event: EventReinstated, wantNoOp: true},
		{name: "active renewed", from: StatusActive, event: EventRenewed, wantNoOp: true},
		{name: "active subscribed same tier", from: StatusActive, event: EventSubscribed, tier: catalog.TierPro, wantNoOp: true},
		{name: "active subscribed other tier", from: StatusActive, event: EventSubscribed, tier: catalog.TierFree, wantErr: ErrInvalidTransition},

		{name: "grace renewed", from: StatusGracePeriod, event: EventRenewed, wantStatus: StatusActive},
		{name: "grace unsubscribed", from: StatusGracePeriod, event: EventUnsubscribed, wantStatus: StatusCancelled},
		{name: "grace plan change keeps status", from: StatusGracePeriod, event: EventChangePlan, tier: catalog.TierEnterprise, wantStatus: StatusGracePeriod},
		{name: "grace suspended", from: StatusGracePeriod, event: EventSuspended, wantErr: ErrInvalidTransition},
		{name: "grace reinstated", from: StatusGracePeriod, event: EventReinstated, wantErr: ErrInvalidTransition},

		{name: "suspended reinstated", from: StatusSuspended, event: EventReinstated, wantStatus: StatusActive},
		{name: "suspended again", from: StatusSuspended, event: EventSuspended, wantNoOp: true},
		{name: "suspended plan change keeps status", from: StatusSuspended, event: EventChangePlan, tier: catalog.TierFree, wantStatus: StatusSuspended},
		{name: "suspended renewed", from: StatusSuspended, event: EventRenewed, wantErr: ErrInvalidTransition},
		{name: "suspended unsubscribed", from: StatusSuspended, event: EventUnsubscribed, wantErr: ErrInvalidTransition},

		{name: "cancelled subscribed", from: StatusCancelled, event: EventSubscribed, tier: catalog.TierPro, wantStatus: StatusActive},
		{name: "cancelled unsubscribed", from: StatusCancelled, event: EventUnsubscribed, wantNoOp: true},
		{name: "cancelled plan change", from: StatusCancelled, event: EventChangePlan, tier: catalog.TierPro, wantErr: ErrInvalidTransition},
		{name: "cancelled quantity", from: StatusCancelled, event: EventChangeQuantity, quantity: 2, wantErr: ErrInvalidTransition},
		{name: "cancelled reinstated", from: StatusCancelled, event: EventReinstated, wantErr: ErrInvalidTransition},
		{name: "cancelled renewed", from: StatusCancelled, event: EventRenewed, wantErr: ErrInvalidTransition},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			current := existing(tc.from, catalog.TierPro)
			if tc.from == StatusTrialing || tc.from == StatusGracePeriod {
				current.TrialEndsAt = ptr(testNow.Add(24 * time.Hour))
				current.GracePeriodEndsAt = ptr(testNow.Add(8 * 24 * time.Hour))
			}
			if tc.from == StatusGracePeriod {
				current.TrialEndsAt = ptr(testNow.Add(-24 * time.Hour))
			}

			ev := event(tc.event, "evt-new")
			ev.Tier = tc.tier
			ev.Quantity = tc.quantity

			tr, err := m.Apply(current, ev, testNow)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)

			if tc.wantNoOp {
				require.True(t, tr.NoOp)
				require.False(t, tr.Duplicate)
				require.Equal(t, *current, tr.Next)
				return
			}

			require.False(t, tr.NoOp)
			require.Equal(t, tc.wantStatus, tr.Next.Status)
			require.Equal(t, current.Version+1, tr.Next.Version)
			require.Equal(t, "evt-new", tr.Next.LastEventID)
			require.Equal(t, testNow, tr.Next.UpdatedAt)
			require.Equal(t, current.TenantID, tr.Next.TenantID)
			require.NotEmpty(t, tr.Effects)
		})
	}
}

func TestApplyChangePlanCarriesQuantity(t *testing.T) {
	m := newTestMachine(t)

	ev := event(EventChangePlan, "evt-up")
	ev.Tier = catalog.TierEnterprise
	ev.Quantity = 12

	tr, err := m.Apply(existing(StatusActive, catalog.TierPro), ev, testNow)
	require.NoError(t, err)
	require.Equal(t, catalog.TierEnterprise, tr.Next.Tier)
	require.Equal(t, 12, tr.Next.Quantity)
	require.ElementsMatch(t, []Effect{EffectTierChanged, EffectQuantityChanged}, tr.Effects)

	ev.Quantity = 0
	tr, err = m.Apply(existing(StatusActive, catalog.TierPro), ev, testNow)
	require.NoError(t, err)
	require.Equal(t, 5, tr.Next.Quantity)
	require.Equal(t, []Effect{EffectTierChanged}, tr.Effects)

	ev.Quantity = -1
	_, err = m.Apply(existing(StatusActive, catalog.TierPro), ev, testNow)
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestApplyDuplicateEventIsNoOp(t *testing.T) {
	m := newTestMachine(t)
	current := existing(StatusActive, catalog.TierPro)

	tr, err := m.Apply(current, event(EventSuspended, "evt-prev"), testNow)
	require.NoError(t, err)
	require.True(t, tr.NoOp)
	require.True(t, tr.Duplicate)
	require.Equal(t, *current, tr.Next)
}

func TestApplyUnsubscribedRecordsCancellationGrace(t *testing.T) {
	m := newTestMachine(t)

	tr, err := m.Apply(existing(StatusActive, catalog.TierPro), event(EventUnsubscribed, "evt-9"), testNow)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, tr.Next.Status)
	require.Equal(t, testNow.Add(30*24*time.Hour), *tr.Next.GracePeriodEndsAt)
	require.ElementsMatch(t, []Effect{EffectStatusChanged, EffectAccessRevoked}, tr.Effects)
}

func TestApplyReactivationStartsFreshCycleWithoutTrial(t *testing.T) {
	m := newTestMachine(t)
	current := existing(StatusCancelled, catalog.TierPro)
	current.GracePeriodEndsAt = ptr(testNow.Add(-time.Hour))

	ev := event(EventSubscribed, "evt-back")
	ev.SubscriptionRef = "sub-ref-2"
	ev.Tier = catalog.TierEnterprise

	tr, err := m.Apply(current, ev, testNow)
	require.NoError(t, err)
	require.Equal(t, StatusActive, tr.Next.Status)
	require.Equal(t, catalog.TierEnterprise, tr.Next.Tier)
	require.Equal(t, "sub-ref-2", tr.Next.ExternalRef)
	require.Equal(t, 1, tr.Next.Quantity)
	require.Nil(t, tr.Next.GracePeriodEndsAt)
	require.Equal(t, current.CreatedAt, tr.Next.CreatedAt)
	require.Equal(t, current.Version+1, tr.Next.Version)
	require.Contains(t, tr.Effects, EffectAccessRestored)
}

func TestApplyUsesEffectiveStatusOfExpiredTrial(t *testing.T) {
	m := newTestMachine(t)
	current := existing(StatusTrialing, catalog.TierPro)
	current.TrialEndsAt = ptr(testNow.Add(-2 * 24 * time.Hour))
	current.GracePeriodEndsAt = ptr(testNow.Add(5 * 24 * time.Hour))

	tr, err := m.Apply(current, event(EventUnsubscribed, "evt-u"), testNow)
	require.NoError(t, err)
	require.Equal(t, StatusGracePeriod, tr.From)
	require.Equal(t, StatusCancelled, tr.Next.Status)
}

func TestTrialingSubscribedDuplicateScenario(t *testing.T) {
	m := newTestMachine(t)

	start := event(EventSubscribed, "evt-start")
	start.TenantID = "tenant-1"
	start.Tier = catalog.TierFree
	start.TrialEndsAt = ptr(testNow.Add(10 * 24 * time.Hour))
	tr, err := m.Apply(nil, start, testNow)
	require.NoError(t, err)
	require.Equal(t, StatusTrialing, tr.Next.Status)
	sub := tr.Next

	upgrade := event(EventSubscribed, "evt-pro")
	upgrade.Tier = catalog.TierPro
	tr, err = m.Apply(&sub, upgrade, testNow)
	require.NoError(t, err)
	sub = tr.Next

	tr, err = m.Apply(&sub, upgrade, testNow)
	require.NoError(t, err)
	require.True(t, tr.Duplicate)

	require.Equal(t, StatusActive, tr.Next.Status)
	require.Equal(t, catalog.TierPro, tr.Next.Tier)
	require.Equal(t, int64(2), tr.Next.Version)
}

func TestApplyRejectsMalformedEvents(t *testing.T) {
	m := newTestMachine(t)
	current := existing(StatusActive, catalog.TierPro)

	testCases := []Event{
		{SubscriptionRef: "sub-ref-1", Type: EventRenewed},
		{ID: "evt", Type: EventRenewed},
		{ID: "evt", SubscriptionRef: "sub-ref-1", Type: EventChangePlan},
		{ID: "evt", SubscriptionRef: "sub-ref-1", Type: EventChangeQuantity},
		{ID: "evt", SubscriptionRef: "sub-ref-1", Type: EventType("Teleported")},
	}

	for _, ev := range testCases {
		_, err := m.Apply(current, ev, testNow)
		require.ErrorIs(t, err, ErrMalformedEvent)
	}
}

func TestEffectiveStatus(t *testing.T) {
	testCases := []struct {
		name string
		sub  Subscription
		want Status
	}{
		{
			name: "trial running",
			sub:  Subscription{Status: StatusTrialing, TrialEndsAt: ptr(testNow.Add(time.Hour))},
			want: StatusTrialing,
		},
		{
			name: "trial expired",
			sub:  Subscription{Status: StatusTrialing, TrialEndsAt: ptr(testNow.Add(-time.Hour)), GracePeriodEndsAt: ptr(testNow.Add(time.Hour))},
			want: StatusGracePeriod,
		},
		{
			name: "trial expired without grace end",
			sub:  Subscription{Status: StatusTrialing, TrialEndsAt: ptr(testNow)},
			want: StatusGracePeriod,
		},
		{
			name: "trial and grace expired",
			sub:  Subscription{Status: StatusTrialing, TrialEndsAt: ptr(testNow.Add(-48 * time.Hour)), GracePeriodEndsAt: ptr(testNow.Add(-time.Hour))},
			want: StatusCancelled,
		},
		{
			name: "grace running",
			sub:  Subscription{Status: StatusGracePeriod, GracePeriodEndsAt: ptr(testNow.Add(time.Hour))},
			want: StatusGracePeriod,
		},
		{
			name: "grace expired",
			sub:  Subscription{Status: StatusGracePeriod, GracePeriodEndsAt: ptr(testNow)},
			want: StatusCancelled,
		},
		{
			name: "cancelled keeps status",
			sub:  Subscription{Status: StatusCancelled, GracePeriodEndsAt: ptr(testNow.Add(-time.Hour))},
			want: StatusCancelled,
		},
		{
			name: "active ignores timestamps",
			sub:  Subscription{Status: StatusActive, TrialEndsAt: ptr(testNow.Add(-time.Hour))},
			want: StatusActive,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EffectiveStatus(tc.sub, testNow))
		})
	}
}

func TestParseEventType(t *testing.T) {
	for in, want := range map[string]EventType{
		"Subscribed":      EventSubscribed,
		"unsubscribe":     EventUnsubscribed,
		"change_quantity": EventChangeQuantity,
		"Reinstate":       EventReinstated,
	} {
		got, err := ParseEventType(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseEventType("explode")
	require.ErrorIs(t, err, ErrMalformedEvent)
}
