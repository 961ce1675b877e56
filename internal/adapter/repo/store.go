package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"donationsvc/internal/domain"
	"donationsvc/internal/infra"
	"donationsvc/internal/sqlinline"
)

// StorePG implements domain.Store on PostgreSQL. Every statement goes through
// the marker-checked SQL runner.
type StorePG struct {
	queries
	db infra.TxExecutor
}

// NewStore creates a store backed by db.
func NewStore(db infra.TxExecutor) *StorePG {
	return &StorePG{queries: queries{q: db}, db: db}
}

// InTx runs fn with a repository bound to a single database transaction.
func (s *StorePG) InTx(ctx context.Context, fn func(tx domain.Repository) error) error {
	return s.db.InTx(ctx, func(exec infra.SQLExecutor) error {
		return fn(&queries{q: exec})
	})
}

type queries struct {
	q infra.SQLExecutor
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *queries) CreateDonation(ctx context.Context, d *domain.Donation) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := r.q.Exec(ctx, sqlinline.QInsertDonation,
		d.ID, d.Code, d.Amount.String(), d.Currency, string(d.Kind), string(d.Status), d.PaymentMethod,
		d.IsRecurring, d.RecurringActive, string(d.SubscriptionStatus), d.AnchorDate, d.NextDueDate,
		d.CardToken, d.RecurringProfileID, d.ParentOrderID, d.ParentDonationID, d.CampaignID,
		d.DonorName, d.DonorEmail, d.DonorPhone, d.Country, d.Language, d.BillingClaimedUntil,
		d.CRMID, d.CRMSynced, d.CRMSyncError, d.AdminNotes, d.CompletedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if infra.IsUniqueViolation(err) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("insert donation: %w", err)
	}
	return nil
}

func (r *queries) UpdateDonation(ctx context.Context, d *domain.Donation) error {
	d.UpdatedAt = time.Now().UTC()
	tag, err := r.q.Exec(ctx, sqlinline.QUpdateDonation,
		d.ID, d.Amount.String(), d.Currency, string(d.Kind), string(d.Status), d.PaymentMethod,
		d.IsRecurring, d.RecurringActive, string(d.SubscriptionStatus), d.AnchorDate, d.NextDueDate,
		d.CardToken, d.RecurringProfileID, d.ParentOrderID, d.CampaignID,
		d.DonorName, d.DonorEmail, d.DonorPhone, d.Country, d.Language,
		d.BillingClaimedUntil, d.AdminNotes, d.CompletedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update donation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *queries) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	return r.oneDonation(ctx, sqlinline.QGetDonation, id)
}

func (r *queries) LockDonation(ctx context.Context, id string) (*domain.Donation, error) {
	return r.oneDonation(ctx, sqlinline.QLockDonation, id)
}

func (r *queries) oneDonation(ctx context.Context, query, id string) (*domain.Donation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	d, err := scanDonation(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get donation: %w", err)
	}
	return d, nil
}

func (r *queries) ListDonations(ctx context.Context, filter domain.DonationFilter) ([]domain.Donation, error) {
	rows, err := r.q.Query(ctx, sqlinline.QListDonations,
		filter.From, filter.To, string(filter.Status), filter.ParentID, limitArg(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list donations: %w", err)
	}
	defer rows.Close()

	var items []domain.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *queries) ClaimDueSubscriptions(ctx context.Context, now, claimUntil time.Time, limit int) ([]domain.Donation, error) {
	rows, err := r.q.Query(ctx, sqlinline.QClaimDueSubscriptions, now.UTC(), claimUntil.UTC(), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("claim due subscriptions: %w", err)
	}
	defer rows.Close()

	var items []domain.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// update ... returning does not preserve the CTE ordering
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].NextDueDate, items[j].NextDueDate
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *queries) SetBillingClaim(ctx context.Context, donationID string, until *time.Time) error {
	tag, err := r.q.Exec(ctx, sqlinline.QSetBillingClaim, donationID, until)
	if err != nil {
		return fmt.Errorf("set billing claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *queries) SetCRMState(ctx context.Context, donationID, crmID, syncErr string) error {
	tag, err := r.q.Exec(ctx, sqlinline.QSetCRMState, donationID, crmID, syncErr)
	if err != nil {
		return fmt.Errorf("set crm state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *queries) RecordCardChange(ctx context.Context, change *domain.CardChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx, sqlinline.QInsertCardChange,
		change.ID, change.DonationID, change.OldToken, change.NewToken,
		change.Reason, change.IPAddress, change.UserAgent, change.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert card change: %w", err)
	}
	return nil
}

func (r *queries) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Kind == "" {
		t.Kind = domain.TxKindPayment
	}
	raw, err := encodeResponse(t.GatewayResponse)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, sqlinline.QInsertTransaction,
		t.ID, t.DonationID, t.TransactionID, t.ExternalID, t.Amount.String(), t.Currency,
		string(t.Status), string(t.Kind), raw, t.ErrorCode, t.ErrorMessage, t.CreatedAt, t.ProcessedAt)
	if err != nil {
		if infra.IsUniqueViolation(err) {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *queries) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	raw, err := encodeResponse(t.GatewayResponse)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, sqlinline.QUpdateTransaction,
		t.TransactionID, t.ExternalID, string(t.Status), raw, t.ErrorCode, t.ErrorMessage, t.ProcessedAt)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *queries) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return r.oneTransaction(ctx, sqlinline.QGetTransaction, transactionID)
}

func (r *queries) LockTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return r.oneTransaction(ctx, sqlinline.QLockTransaction, transactionID)
}

func (r *queries) oneTransaction(ctx context.Context, query, transactionID string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, query, transactionID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (r *queries) ListTransactions(ctx context.Context, donationID string) ([]domain.Transaction, error) {
	if _, err := uuid.Parse(donationID); err != nil {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, sqlinline.QListTransactions, donationID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var items []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		items = append(items, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *queries) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	var (
		c      domain.Campaign
		raised string
	)
	err := r.q.QueryRow(ctx, sqlinline.QGetCampaign, id).Scan(&c.ID, &c.Name, &raised, &c.CRMID, &c.UpdatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if c.RaisedAmount, err = decimal.NewFromString(raised); err != nil {
		return nil, fmt.Errorf("campaign %s raised amount: %w", id, err)
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (r *queries) AddCampaignRaised(ctx context.Context, id string, amount decimal.Decimal) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}
	tag, err := r.q.Exec(ctx, sqlinline.QAddCampaignRaised, id, amount.String())
	if err != nil {
		return fmt.Errorf("add campaign raised: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanDonation(row rowScanner) (*domain.Donation, error) {
	var (
		d                    domain.Donation
		amount, kind, status string
		subscription         string
	)
	if err := row.Scan(
		&d.ID, &d.Code, &amount, &d.Currency, &kind, &status, &d.PaymentMethod,
		&d.IsRecurring, &d.RecurringActive, &subscription, &d.AnchorDate, &d.NextDueDate,
		&d.CardToken, &d.RecurringProfileID, &d.ParentOrderID, &d.ParentDonationID, &d.CampaignID,
		&d.DonorName, &d.DonorEmail, &d.DonorPhone, &d.Country, &d.Language, &d.BillingClaimedUntil,
		&d.CRMID, &d.CRMSynced, &d.CRMSyncError, &d.AdminNotes, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("donation %s amount: %w", d.ID, err)
	}
	d.Kind = domain.DonationKind(kind)
	d.Status = domain.DonationStatus(status)
	d.SubscriptionStatus = domain.SubscriptionStatus(subscription)
	d.AnchorDate = utc(d.AnchorDate)
	d.NextDueDate = utc(d.NextDueDate)
	d.BillingClaimedUntil = utc(d.BillingClaimedUntil)
	d.CompletedAt = utc(d.CompletedAt)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t                    domain.Transaction
		amount, status, kind string
		raw                  []byte
	)
	if err := row.Scan(
		&t.ID, &t.DonationID, &t.TransactionID, &t.ExternalID, &amount, &t.Currency,
		&status, &kind, &raw, &t.ErrorCode, &t.ErrorMessage, &t.CreatedAt, &t.ProcessedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", t.TransactionID, err)
	}
	t.Status = domain.TransactionStatus(status)
	t.Kind = domain.TransactionKind(kind)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.GatewayResponse); err != nil {
			return nil, fmt.Errorf("transaction %s gateway response: %w", t.TransactionID, err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ProcessedAt = utc(t.ProcessedAt)
	return &t, nil
}

func encodeResponse(raw map[string]string) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode gateway response: %w", err)
	}
	return b, nil
}

// limitArg maps a non-positive limit to SQL NULL, which postgres treats as
// no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

var _ domain.Store = (*StorePG)(nil)
