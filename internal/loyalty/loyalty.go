package loyalty

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/audit"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/metrics"
	"nationalpos/backend/internal/retry"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

const (
	TierBronze   = "BRONZE"
	TierSilver   = "SILVER"
	TierGold     = "GOLD"
	TierPlatinum = "PLATINUM"
)

// Tier is a rank reached once lifetime earned points pass Threshold.
// PerTransactionCap of 0 means a single sale may earn any number of points.
type Tier struct {
	Name              string          `json:"name"`
	Threshold         int             `json:"threshold"`
	DiscountPercent   decimal.Decimal `json:"discount_percent"`
	PerTransactionCap int             `json:"per_transaction_cap"`
}

func DefaultTiers() []Tier {
	return []Tier{
		{Name: TierBronze, Threshold: 0, DiscountPercent: decimal.Zero, PerTransactionCap: 500},
		{Name: TierSilver, Threshold: 1000, DiscountPercent: decimal.NewFromInt(5), PerTransactionCap: 1000},
		{Name: TierGold, Threshold: 5000, DiscountPercent: decimal.NewFromInt(10), PerTransactionCap: 2500},
		{Name: TierPlatinum, Threshold: 10000, DiscountPercent: decimal.NewFromInt(15), PerTransactionCap: 0},
	}
}

type Config struct {
	Tiers            []Tier
	CurrencyPerPoint decimal.Decimal
	PointValue       decimal.Decimal
	Retry            retry.Policy
	Logger           *logrus.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Ledger keeps loyalty balances and their append-only entry history. Every
// balance change and its entry are written through the same tx.
type Ledger struct {
	repo             store.Repository
	tiers            []Tier
	currencyPerPoint decimal.Decimal
	pointValue       decimal.Decimal
	retry            retry.Policy
	audit            *audit.Recorder
	metrics          *metrics.Metrics
	log              *logrus.Entry
	now              func() time.Time
}

func New(repo store.Repository, cfg Config) *Ledger {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	tiers := append([]Tier(nil), cfg.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold < tiers[j].Threshold })

	if !cfg.CurrencyPerPoint.IsPositive() {
		cfg.CurrencyPerPoint = decimal.NewFromInt(1)
	}
	if !cfg.PointValue.IsPositive() {
		cfg.PointValue = decimal.RequireFromString("0.01")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.Module(cfg.Logger, "loyalty")
	return &Ledger{
		repo:             repo,
		tiers:            tiers,
		currencyPerPoint: cfg.CurrencyPerPoint,
		pointValue:       cfg.PointValue,
		retry:            cfg.Retry,
		audit:            audit.NewRecorder(repo, log),
		metrics:          cfg.Metrics,
		log:              log,
		now:              cfg.Now,
	}
}

func (l *Ledger) Tiers() []Tier {
	return append([]Tier(nil), l.tiers...)
}

func (l *Ledger) tier(name string) (Tier, bool) {
	for _, t := range l.tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

func (l *Ledger) rank(name string) int {
	for i, t := range l.tiers {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// TierFor returns the highest tier whose threshold totalEarned has reached.
func (l *Ledger) TierFor(totalEarned int) Tier {
	current := l.tiers[0]
	for _, t := range l.tiers {
		if totalEarned >= t.Threshold {
			current = t
		}
	}
	return current
}

// DiscountPercent is zero for unknown tiers.
func (l *Ledger) DiscountPercent(tierName string) decimal.Decimal {
	if t, ok := l.tier(tierName); ok {
		return t.DiscountPercent
	}
	return decimal.Zero
}

// PointsFor is floor(total / currencyPerPoint), then capped by the tier's
// per-transaction cap.
func (l *Ledger) PointsFor(total decimal.Decimal, tierName string) int {
	if !total.IsPositive() {
		return 0
	}
	points := int(total.Div(l.currencyPerPoint).Floor().IntPart())
	if t, ok := l.tier(tierName); ok && t.PerTransactionCap > 0 && points > t.PerTransactionCap {
		points = t.PerTransactionCap
	}
	return points
}

// RedemptionValue is the tender value of points at the configured point value.
func (l *Ledger) RedemptionValue(points int) decimal.Decimal {
	return decimal.NewFromInt(int64(points)).Mul(l.pointValue).Round(2)
}

func (l *Ledger) newAccount(customerID string, cardNumber string) domain.LoyaltyAccount {
	now := l.now()
	return domain.LoyaltyAccount{
		CustomerID:        customerID,
		LoyaltyCardNumber: cardNumber,
		Tier:              l.tiers[0].Name,
		IsActive:          true,
		JoinedAt:          now,
		LastActivityAt:    now,
		UpdatedAt:         now,
	}
}

func (l *Ledger) entry(account domain.LoyaltyAccount, entryType string, points int, reason string, salesTxID string) domain.LoyaltyEntry {
	return domain.LoyaltyEntry{
		ID:                 xid.New("lpe"),
		CustomerID:         account.CustomerID,
		Type:               entryType,
		Points:             points,
		BalanceAfter:       account.PointsBalance,
		Reason:             reason,
		SalesTransactionID: salesTxID,
		TransactionDate:    l.now(),
	}
}

// lockOrCreate returns the locked account, creating a Bronze account when the
// customer has none yet.
func (l *Ledger) lockOrCreate(ctx context.Context, tx store.Tx, customerID string) (domain.LoyaltyAccount, error) {
	account, err := tx.LockLoyaltyAccount(ctx, customerID)
	if err == nil {
		return *account, nil
	}
	if store.KindOf(err) != store.KindNotFound {
		return domain.LoyaltyAccount{}, err
	}
	created := l.newAccount(customerID, "")
	if err := tx.CreateLoyaltyAccount(ctx, created); err != nil {
		if store.KindOf(err) == store.KindDuplicate {
			return domain.LoyaltyAccount{}, fmt.Errorf("loyalty account %s created concurrently: %w", customerID, store.ErrConcurrencyConflict)
		}
		return domain.LoyaltyAccount{}, err
	}
	return created, nil
}

func (l *Ledger) upgrade(account *domain.LoyaltyAccount) {
	reached := l.TierFor(account.TotalEarned)
	if l.rank(reached.Name) > l.rank(account.Tier) {
		now := l.now()
		account.Tier = reached.Name
		account.LastUpgradeAt = &now
	}
}

// Earn credits points, creating the account on first use. Tiers only move up
// here; downgrades go through SetTier.
func (l *Ledger) Earn(ctx context.Context, tx store.Tx, customerID string, points int, salesTxID string, reason string) (domain.LoyaltyAccount, domain.LoyaltyEntry, error) {
	if points <= 0 {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, &store.InvalidQuantityError{Field: "points", Value: points}
	}
	account, err := l.lockOrCreate(ctx, tx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, err
	}
	if !account.IsActive {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, &store.StateTransitionError{Entity: "loyalty_account", ID: customerID, From: "INACTIVE", To: domain.LoyaltyEntryEarn}
	}

	account.PointsBalance += points
	account.TotalEarned += points
	account.LastActivityAt = l.now()
	l.upgrade(&account)
	if err := tx.UpdateLoyaltyAccount(ctx, account); err != nil {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, err
	}
	if reason == "" {
		reason = "PURCHASE"
	}
	entry := l.entry(account, domain.LoyaltyEntryEarn, points, reason, salesTxID)
	if err := tx.AppendLoyaltyEntry(ctx, entry); err != nil {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, err
	}
	return account, entry, nil
}

// Redeem debits points and fails with InsufficientPoints rather than drive the
// balance negative.
func (l *Ledger) Redeem(ctx context.Context, tx store.Tx, customerID string, points int, reason string, salesTxID string) (domain.LoyaltyAccount, domain.LoyaltyEntry, error) {
	if points <= 0 {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, &store.InvalidQuantityError{Field: "points", Value: points}
	}
	locked, err := tx.LockLoyaltyAccount(ctx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, err
	}
	account := *locked
	if !account.IsActive {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, &store.StateTransitionError{Entity: "loyalty_account", ID: customerID, From: "INACTIVE", To: domain.LoyaltyEntryRedeem}
	}
	if points > account.PointsBalance {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, &store.InsufficientPointsError{CustomerID: customerID, Requested: points, Balance: account.PointsBalance}
	}

	account.PointsBalance -= points
	account.TotalRedeemed += points
	account.LastActivityAt = l.now()
	if err := tx.UpdateLoyaltyAccount(ctx, account); err != nil {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, err
	}
	if reason == "" {
		reason = "REDEMPTION"
	}
	entry := l.entry(account, domain.LoyaltyEntryRedeem, -points, reason, salesTxID)
	if err := tx.AppendLoyaltyEntry(ctx, entry); err != nil {
		return domain.LoyaltyAccount{}, domain.LoyaltyEntry{}, err
	}
	return account, entry, nil
}

// Reverse takes back points earned on a returned sale. What the balance
// cannot cover is recorded as a SHORTFALL entry instead of failing the return.
func (l *Ledger) Reverse(ctx context.Context, tx store.Tx, customerID string, points int, salesTxID string) (domain.LoyaltyAccount, []domain.LoyaltyEntry, error) {
	if points <= 0 {
		return domain.LoyaltyAccount{}, nil, &store.InvalidQuantityError{Field: "points", Value: points}
	}
	locked, err := tx.LockLoyaltyAccount(ctx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, nil, err
	}
	account := *locked
	covered := points
	if covered > account.PointsBalance {
		covered = account.PointsBalance
	}
	shortfall := points - covered

	account.PointsBalance -= covered
	account.TotalEarned -= covered
	account.PointsShortfall += shortfall
	account.LastActivityAt = l.now()
	if err := tx.UpdateLoyaltyAccount(ctx, account); err != nil {
		return domain.LoyaltyAccount{}, nil, err
	}

	var entries []domain.LoyaltyEntry
	if covered > 0 {
		entries = append(entries, l.entry(account, domain.LoyaltyEntryReversal, -covered, "RETURN", salesTxID))
	}
	if shortfall > 0 {
		entries = append(entries, l.entry(account, domain.LoyaltyEntryShortfall, -shortfall, "RETURN_SHORTFALL", salesTxID))
	}
	for _, e := range entries {
		if err := tx.AppendLoyaltyEntry(ctx, e); err != nil {
			return domain.LoyaltyAccount{}, nil, err
		}
	}
	return account, entries, nil
}

// Adjust applies an administrative correction. A positive delta counts as
// earned and a covered negative delta as redeemed, so PointsBalance stays
// TotalEarned - TotalRedeemed. A negative delta larger than the balance clamps
// at zero and records the remainder as a shortfall.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, customerID string, delta int, reason string) (domain.LoyaltyAccount, []domain.LoyaltyEntry, error) {
	if delta == 0 {
		return domain.LoyaltyAccount{}, nil, &store.InvalidQuantityError{Field: "delta", Value: delta}
	}
	if strings.TrimSpace(reason) == "" {
		return domain.LoyaltyAccount{}, nil, store.Invalid("reason", "required")
	}
	account, err := l.lockOrCreate(ctx, tx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, nil, err
	}

	var entries []domain.LoyaltyEntry
	if delta > 0 {
		account.PointsBalance += delta
		account.TotalEarned += delta
		account.LastActivityAt = l.now()
		entries = append(entries, l.entry(account, domain.LoyaltyEntryAdjustment, delta, reason, ""))
	} else {
		debit := -delta
		covered := debit
		if covered > account.PointsBalance {
			covered = account.PointsBalance
		}
		account.PointsBalance -= covered
		account.TotalRedeemed += covered
		account.PointsShortfall += debit - covered
		account.LastActivityAt = l.now()
		if covered > 0 {
			entries = append(entries, l.entry(account, domain.LoyaltyEntryAdjustment, -covered, reason, ""))
		}
		if debit > covered {
			entries = append(entries, l.entry(account, domain.LoyaltyEntryShortfall, covered-debit, reason, ""))
		}
	}
	if err := tx.UpdateLoyaltyAccount(ctx, account); err != nil {
		return domain.LoyaltyAccount{}, nil, err
	}
	for _, e := range entries {
		if err := tx.AppendLoyaltyEntry(ctx, e); err != nil {
			return domain.LoyaltyAccount{}, nil, err
		}
	}
	return account, entries, nil
}

// Enroll opens an account with a unique card number, generating one when
// cardNumber is empty.
func (l *Ledger) Enroll(ctx context.Context, tx store.Tx, customerID string, cardNumber string) (domain.LoyaltyAccount, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.LoyaltyAccount{}, store.Invalid("customer_id", "required")
	}
	if cardNumber == "" {
		cardNumber = "NPC-" + xid.Short()
	}
	account := l.newAccount(customerID, cardNumber)
	if err := tx.CreateLoyaltyAccount(ctx, account); err != nil {
		return domain.LoyaltyAccount{}, err
	}
	return account, nil
}

// SetTier is the administrative override and the only path to a downgrade.
func (l *Ledger) SetTier(ctx context.Context, tx store.Tx, customerID string, tierName string) (domain.LoyaltyAccount, error) {
	if _, ok := l.tier(tierName); !ok {
		return domain.LoyaltyAccount{}, store.Invalid("tier", "unknown tier "+tierName)
	}
	locked, err := tx.LockLoyaltyAccount(ctx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	account := *locked
	account.Tier = tierName
	if err := tx.UpdateLoyaltyAccount(ctx, account); err != nil {
		return domain.LoyaltyAccount{}, err
	}
	return account, nil
}

func (l *Ledger) SetActive(ctx context.Context, tx store.Tx, customerID string, active bool) (domain.LoyaltyAccount, error) {
	locked, err := tx.LockLoyaltyAccount(ctx, customerID)
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	account := *locked
	account.IsActive = active
	if err := tx.UpdateLoyaltyAccount(ctx, account); err != nil {
		return domain.LoyaltyAccount{}, err
	}
	return account, nil
}
