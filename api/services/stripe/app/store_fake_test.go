package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	stripedb "github.com/one2onelove/billing-sync/api/services/stripe/db"
)

// memStore mirrors the guards of stripedb.Store in memory.
type memStore struct {
	mu       sync.Mutex
	subs     map[string]stripedb.UserSubscription
	payments []stripedb.PaymentHistoryEntry
	changes  map[string]stripedb.SubscriptionChange
	events   map[string]string
	// err, when set, is returned by every method.
	err error
}

func newMemStore() *memStore {
	return &memStore{
		subs:    map[string]stripedb.UserSubscription{},
		changes: map[string]stripedb.SubscriptionChange{},
		events:  map[string]string{},
	}
}

func (m *memStore) GetUserSubscription(_ context.Context, userID string) (stripedb.UserSubscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return stripedb.UserSubscription{}, false, m.err
	}
	s, ok := m.subs[userID]
	return s, ok, nil
}

func (m *memStore) FindUserIDByCustomer(_ context.Context, customerID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	if customerID == "" {
		return "", false, nil
	}
	for id, s := range m.subs {
		if s.StripeCustomerID == customerID {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) SetCustomerID(_ context.Context, userID, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	s, ok := m.subs[userID]
	if !ok {
		s = stripedb.FreeSubscription(userID)
	}
	if s.StripeCustomerID == "" {
		s.StripeCustomerID = customerID
	}
	m.subs[userID] = s
	return s.StripeCustomerID, nil
}

func (m *memStore) ApplyCheckout(_ context.Context, u stripedb.CheckoutUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	s := m.subs[u.UserID]
	if !s.LastEventAt.IsZero() && s.LastEventAt.After(u.EventAt) {
		return false, nil
	}
	s.UserID = u.UserID
	s.PlanName = u.PlanName
	s.Status = stripedb.StatusActive
	s.PriceCents = u.PriceCents
	if u.StripeCustomerID != "" {
		s.StripeCustomerID = u.StripeCustomerID
	}
	s.StripeSubscriptionID = u.StripeSubscriptionID
	s.CurrentPeriodStart = u.CurrentPeriodStart
	s.CurrentPeriodEnd = u.CurrentPeriodEnd
	s.CancelAtPeriodEnd = u.CancelAtPeriodEnd
	s.LastEventAt = u.EventAt
	m.subs[u.UserID] = s
	return true, nil
}

func (m *memStore) ApplySubscriptionState(_ context.Context, u stripedb.StateUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	s, ok := m.subs[u.UserID]
	if !ok {
		s = stripedb.FreeSubscription(u.UserID)
	}
	if !s.LastEventAt.IsZero() && s.LastEventAt.After(u.EventAt) {
		return false, nil
	}
	s.Status = u.Status
	s.CurrentPeriodStart = u.CurrentPeriodStart
	s.CurrentPeriodEnd = u.CurrentPeriodEnd
	s.CancelAtPeriodEnd = u.CancelAtPeriodEnd
	s.LastEventAt = u.EventAt
	m.subs[u.UserID] = s
	return true, nil
}

func (m *memStore) MarkPastDue(_ context.Context, userID string, eventAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	s, ok := m.subs[userID]
	if !ok {
		s = stripedb.FreeSubscription(userID)
	}
	if !s.LastEventAt.IsZero() && s.LastEventAt.After(eventAt) {
		return false, nil
	}
	s.Status = stripedb.StatusPastDue
	s.LastEventAt = eventAt
	m.subs[userID] = s
	return true, nil
}

func (m *memStore) DowngradeToBasis(_ context.Context, d stripedb.Downgrade) (stripedb.DowngradeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return stripedb.DowngradeResult{}, m.err
	}
	s, ok := m.subs[d.UserID]
	if !ok {
		s = stripedb.FreeSubscription(d.UserID)
	}
	if s.StripeSubscriptionID != "" && s.StripeSubscriptionID != d.StripeSubscriptionID {
		return stripedb.DowngradeResult{}, nil
	}
	from := s.PlanName
	s.PlanName = stripedb.PlanBasis
	s.Status = stripedb.StatusCanceled
	s.PriceCents = 0
	s.StripeSubscriptionID = ""
	s.CancelAtPeriodEnd = false
	if d.EventAt.After(s.LastEventAt) {
		s.LastEventAt = d.EventAt
	}
	m.subs[d.UserID] = s

	key := d.StripeSubscriptionID + "/" + stripedb.ChangeTypeCancel
	if _, dup := m.changes[key]; !dup {
		m.changes[key] = stripedb.SubscriptionChange{
			ID:                   uuid.New(),
			UserID:               d.UserID,
			FromPlan:             from,
			ToPlan:               stripedb.PlanBasis,
			ChangeType:           stripedb.ChangeTypeCancel,
			StripeSubscriptionID: d.StripeSubscriptionID,
			CreatedAt:            time.Now(),
		}
	}
	return stripedb.DowngradeResult{Applied: true, FromPlan: from}, nil
}

func (m *memStore) AppendPayment(_ context.Context, e stripedb.PaymentHistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, p := range m.payments {
		if p.StripeEventID == e.StripeEventID {
			return false, nil
		}
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now().Add(time.Duration(len(m.payments)) * time.Millisecond)
	m.payments = append(m.payments, e)
	return true, nil
}

func (m *memStore) ListPayments(_ context.Context, userID string, limit int) ([]stripedb.PaymentHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := []stripedb.PaymentHistoryEntry{}
	for _, p := range m.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) EventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *memStore) RecordEvent(_ context.Context, eventID, _, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events[eventID] = outcome
	return nil
}

func (m *memStore) sub(userID string) stripedb.UserSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[userID]
}

func (m *memStore) changeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changes)
}
