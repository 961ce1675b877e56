// Package memory keeps donations, transactions and tasks in process memory.
// It backs tests and dry runs of the CLI and mirrors the PostgreSQL store's
// semantics, including row claims for the billing sweep.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"donationsvc/internal/domain"
)

// Store is a domain.Store guarded by a single mutex. InTx holds the mutex
// for the whole callback, which serializes transactions the same way row
// locks do in PostgreSQL.
type Store struct {
	mu   sync.Mutex
	data *dataset
}

type dataset struct {
	donations    map[string]domain.Donation
	transactions map[string]domain.Transaction
	campaigns    map[string]domain.Campaign
	cardChanges  []domain.CardChange
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: &dataset{
		donations:    make(map[string]domain.Donation),
		transactions: make(map[string]domain.Transaction),
		campaigns:    make(map[string]domain.Campaign),
	}}
}

// PutCampaign seeds a campaign.
func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.data.campaigns[c.ID] = c
}

// CardChanges returns the recorded card history.
func (s *Store) CardChanges() []domain.CardChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CardChange(nil), s.data.cardChanges...)
}

// InTx runs fn against a snapshot and commits it only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(&view{data: snapshot}); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

func (s *Store) locked(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{data: s.data})
}

func (s *Store) CreateDonation(ctx context.Context, d *domain.Donation) error {
	return s.locked(func(v *view) error { return v.CreateDonation(ctx, d) })
}

func (s *Store) UpdateDonation(ctx context.Context, d *domain.Donation) error {
	return s.locked(func(v *view) error { return v.UpdateDonation(ctx, d) })
}

func (s *Store) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	var out *domain.Donation
	err := s.locked(func(v *view) (err error) { out, err = v.GetDonation(ctx, id); return })
	return out, err
}

func (s *Store) LockDonation(ctx context.Context, id string) (*domain.Donation, error) {
	return s.GetDonation(ctx, id)
}

func (s *Store) ListDonations(ctx context.Context, filter domain.DonationFilter) ([]domain.Donation, error) {
	var out []domain.Donation
	err := s.locked(func(v *view) (err error) { out, err = v.ListDonations(ctx, filter); return })
	return out, err
}

func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	return s.locked(func(v *view) error { return v.CreateTransaction(ctx, t) })
}

func (s *Store) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	return s.locked(func(v *view) error { return v.UpdateTransaction(ctx, t) })
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(func(v *view) (err error) { out, err = v.GetTransaction(ctx, transactionID); return })
	return out, err
}

func (s *Store) LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.GetTransaction(ctx, transactionID)
}

func (s *Store) ListTransactions(ctx context.Context, donationID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.locked(func(v *view) (err error) { out, err = v.ListTransactions(ctx, donationID); return })
	return out, err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var out *domain.Campaign
	err := s.locked(func(v *view) (err error) { out, err = v.GetCampaign(ctx, id); return })
	return out, err
}

func (s *Store) AddCampaignRaised(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.locked(func(v *view) error { return v.AddCampaignRaised(ctx, id, amount) })
}

func (s *Store) ClaimDueSubscriptions(ctx context.Context, now, claimUntil time.Time, limit int) ([]domain.Donation, error) {
	var out []domain.Donation
	err := s.locked(func(v *view) (err error) { out, err = v.ClaimDueSubscriptions(ctx, now, claimUntil, limit); return })
	return out, err
}

func (s *Store) SetBillingClaim(ctx context.Context, donationID string, until *time.Time) error {
	return s.locked(func(v *view) error { return v.SetBillingClaim(ctx, donationID, until) })
}

func (s *Store) RecordCardChange(ctx context.Context, change *domain.CardChange) error {
	return s.locked(func(v *view) error { return v.RecordCardChange(ctx, change) })
}

func (s *Store) SetCRMState(ctx context.Context, donationID, crmID, syncErr string) error {
	return s.locked(func(v *view) error { return v.SetCRMState(ctx, donationID, crmID, syncErr) })
}

// view implements domain.Repository over a dataset the caller already holds
// the lock for.
type view struct {
	data *dataset
}

func (v *view) CreateDonation(_ context.Context, d *domain.Donation) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, exists := v.data.donations[d.ID]; exists {
		return domain.ErrDuplicateOperation
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	v.data.donations[d.ID] = d.Clone()
	return nil
}

func (v *view) UpdateDonation(_ context.Context, d *domain.Donation) error {
	if _, ok := v.data.donations[d.ID]; !ok {
		return domain.ErrNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	v.data.donations[d.ID] = d.Clone()
	return nil
}

func (v *view) GetDonation(_ context.Context, id string) (*domain.Donation, error) {
	d, ok := v.data.donations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := d.Clone()
	return &out, nil
}

func (v *view) LockDonation(ctx context.Context, id string) (*domain.Donation, error) {
	return v.GetDonation(ctx, id)
}

func (v *view) ListDonations(_ context.Context, filter domain.DonationFilter) ([]domain.Donation, error) {
	var out []domain.Donation
	for _, d := range v.data.donations {
		if filter.From != nil && d.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !d.CreatedAt.Before(*filter.To) {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && (d.ParentDonationID == nil || *d.ParentDonationID != filter.ParentID) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) CreateTransaction(_ context.Context, t *domain.Transaction) error {
	if _, exists := v.data.transactions[t.TransactionID]; exists {
		return domain.ErrDuplicateOperation
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	v.data.transactions[t.TransactionID] = t.Clone()
	return nil
}

func (v *view) UpdateTransaction(_ context.Context, t *domain.Transaction) error {
	if _, ok := v.data.transactions[t.TransactionID]; !ok {
		return domain.ErrNotFound
	}
	v.data.transactions[t.TransactionID] = t.Clone()
	return nil
}

func (v *view) GetTransaction(_ context.Context, transactionID string) (*domain.Transaction, error) {
	t, ok := v.data.transactions[transactionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := t.Clone()
	return &out, nil
}

func (v *view) LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return v.GetTransaction(ctx, transactionID)
}

func (v *view) ListTransactions(_ context.Context, donationID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, t := range v.data.transactions {
		if t.DonationID == donationID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (v *view) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	c, ok := v.data.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (v *view) AddCampaignRaised(_ context.Context, id string, amount decimal.Decimal) error {
	c, ok := v.data.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.RaisedAmount = c.RaisedAmount.Add(amount)
	c.UpdatedAt = time.Now().UTC()
	v.data.campaigns[id] = c
	return nil
}

func (v *view) ClaimDueSubscriptions(_ context.Context, now, claimUntil time.Time, limit int) ([]domain.Donation, error) {
	var due []domain.Donation
	for _, d := range v.data.donations {
		if !dueForBilling(d, now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextDueDate.Equal(*due[j].NextDueDate) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextDueDate.Before(*due[j].NextDueDate)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.Donation, 0, len(due))
	for _, d := range due {
		until := claimUntil
		d.BillingClaimedUntil = &until
		v.data.donations[d.ID] = d.Clone()
		out = append(out, d.Clone())
	}
	return out, nil
}

func dueForBilling(d domain.Donation, now time.Time) bool {
	return d.ParentDonationID == nil &&
		d.IsRecurring &&
		d.RecurringActive &&
		d.SubscriptionStatus == domain.SubscriptionActive &&
		d.Status == domain.DonationCompleted &&
		d.AnchorDate != nil &&
		d.NextDueDate != nil && !d.NextDueDate.After(now) &&
		(d.BillingClaimedUntil == nil || !d.BillingClaimedUntil.After(now))
}

func (v *view) SetBillingClaim(_ context.Context, donationID string, until *time.Time) error {
	d, ok := v.data.donations[donationID]
	if !ok {
		return domain.ErrNotFound
	}
	if until != nil {
		u := *until
		d.BillingClaimedUntil = &u
	} else {
		d.BillingClaimedUntil = nil
	}
	v.data.donations[donationID] = d
	return nil
}

func (v *view) RecordCardChange(_ context.Context, change *domain.CardChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}
	v.data.cardChanges = append(v.data.cardChanges, *change)
	return nil
}

func (v *view) SetCRMState(_ context.Context, donationID, crmID, syncErr string) error {
	d, ok := v.data.donations[donationID]
	if !ok {
		return domain.ErrNotFound
	}
	if crmID != "" {
		d.CRMID = crmID
	}
	d.CRMSynced = syncErr == "" && d.CRMID != ""
	d.CRMSyncError = syncErr
	v.data.donations[donationID] = d
	return nil
}

func (d *dataset) clone() *dataset {
	out := &dataset{
		donations:    make(map[string]domain.Donation, len(d.donations)),
		transactions: make(map[string]domain.Transaction, len(d.transactions)),
		campaigns:    make(map[string]domain.Campaign, len(d.campaigns)),
		cardChanges:  append([]domain.CardChange(nil), d.cardChanges...),
	}
	for k, v := range d.donations {
		out.donations[k] = v.Clone()
	}
	for k, v := range d.transactions {
		out.transactions[k] = v.Clone()
	}
	for k, v := range d.campaigns {
		out.campaigns[k] = v
	}
	return out
}

var (
	_ domain.Store      = (*Store)(nil)
	_ domain.Repository = (*view)(nil)
)
