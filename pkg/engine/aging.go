package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// AgingBucket is a closed days-overdue range. MaxDays is nil for the last,
// open-ended bucket.
type AgingBucket struct {
	Label   string `json:"label"`
	MinDays int    `json:"min_days"`
	MaxDays *int   `json:"max_days"`
}

// Contains reports whether days falls inside the bucket.
func (b AgingBucket) Contains(days int) bool {
	if days < b.MinDays {
		return false
	}
	return b.MaxDays == nil || days <= *b.MaxDays
}

func upTo(n int) *int { return &n }

// StandardBuckets is the canonical five-bucket aging definition.
var StandardBuckets = []AgingBucket{
	{Label: "Current", MinDays: 0, MaxDays: upTo(0)},
	{Label: "1-30 days", MinDays: 1, MaxDays: upTo(30)},
	{Label: "31-60 days", MinDays: 31, MaxDays: upTo(60)},
	{Label: "61-90 days", MinDays: 61, MaxDays: upTo(90)},
	{Label: "90+ days", MinDays: 91},
}

// ExtendedBuckets splits the oldest bucket for portfolio-at-risk reporting.
var ExtendedBuckets = []AgingBucket{
	{Label: "Current", MinDays: 0, MaxDays: upTo(0)},
	{Label: "1-30 days", MinDays: 1, MaxDays: upTo(30)},
	{Label: "31-60 days", MinDays: 31, MaxDays: upTo(60)},
	{Label: "61-90 days", MinDays: 61, MaxDays: upTo(90)},
	{Label: "91-120 days", MinDays: 91, MaxDays: upTo(120)},
	{Label: "Over 120 days", MinDays: 121},
}

// BucketSet resolves a bucket definition by name: "standard" (or empty) and
// "extended".
func BucketSet(name string) ([]AgingBucket, error) {
	switch name {
	case "", "standard":
		return StandardBuckets, nil
	case "extended":
		return ExtendedBuckets, nil
	}
	return nil, ErrInvalidBuckets
}

// ValidateBuckets checks that buckets start at 0, are contiguous, and that
// only the last one is open-ended.
func ValidateBuckets(buckets []AgingBucket) error {
	if len(buckets) == 0 || buckets[0].MinDays != 0 {
		return ErrInvalidBuckets
	}
	for i, b := range buckets {
		last := i == len(buckets)-1
		if b.MaxDays == nil {
			if !last {
				return ErrInvalidBuckets
			}
			continue
		}
		if *b.MaxDays < b.MinDays {
			return ErrInvalidBuckets
		}
		if !last && buckets[i+1].MinDays != *b.MaxDays+1 {
			return ErrInvalidBuckets
		}
	}
	return nil
}

// AgingItem is one unpaid obligation to classify.
type AgingItem struct {
	EntityID      string          `json:"entity_id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	PaymentNumber int             `json:"payment_number"`
	DueDate       time.Time       `json:"due_date"`
	Amount        decimal.Decimal `json:"amount"`
}

// AgingItemsFromEntries turns a loan's unpaid entries into aging items owned
// by entityID.
func AgingItemsFromEntries(entityID string, loanID uuid.UUID, entries []models.ScheduleEntry) []AgingItem {
	var items []AgingItem
	for i := range entries {
		e := &entries[i]
		if e.IsPaid || !e.RemainingDue().IsPositive() {
			continue
		}
		items = append(items, AgingItem{
			EntityID:      entityID,
			LoanID:        loanID,
			PaymentNumber: e.PaymentNumber,
			DueDate:       e.DueDate,
			Amount:        e.RemainingDue(),
		})
	}
	return items
}

type AgingRequest struct {
	Items    []AgingItem
	AsOf     time.Time
	Buckets  []AgingBucket // StandardBuckets when nil
	ByEntity bool
}

type BucketTotal struct {
	AgingBucket
	Amount     decimal.Decimal `json:"amount"`
	Count      int             `json:"count"`
	Percentage decimal.Decimal `json:"percentage"`
}

type AgingReport struct {
	AsOf        time.Time                `json:"as_of"`
	Buckets     []BucketTotal            `json:"buckets"`
	TotalAmount decimal.Decimal          `json:"total_amount"`
	TotalCount  int                      `json:"total_count"`
	Delinquent  int                      `json:"delinquent_loans"` // distinct loans with an item past Current
	ByEntity    map[string][]BucketTotal `json:"by_entity,omitempty"`
}

// Overdue sums every bucket past Current.
func (r *AgingReport) Overdue() (decimal.Decimal, int) {
	amount, count := decimal.Zero, 0
	for _, b := range r.Buckets {
		if b.MinDays > 0 {
			amount = amount.Add(b.Amount)
			count += b.Count
		}
	}
	return amount, count
}

// BucketIndex returns the index of the first bucket containing days, or -1.
func BucketIndex(buckets []AgingBucket, days int) int {
	for i, b := range buckets {
		if b.Contains(days) {
			return i
		}
	}
	return -1
}

// ClassifyAging buckets items by days overdue as of req.AsOf.
func ClassifyAging(req AgingRequest) (*AgingReport, error) {
	buckets := req.Buckets
	if buckets == nil {
		buckets = StandardBuckets
	}
	if err := ValidateBuckets(buckets); err != nil {
		return nil, err
	}
	if req.AsOf.IsZero() {
		return nil, &ValidationError{Field: "as_of", Reason: "is required"}
	}

	report := &AgingReport{
		AsOf:        CalendarDate(req.AsOf),
		Buckets:     newTotals(buckets),
		TotalAmount: decimal.Zero,
	}
	entities := make(map[string][]BucketTotal)
	delinquent := make(map[uuid.UUID]bool)

	for _, item := range req.Items {
		idx := BucketIndex(buckets, DaysOverdue(item.DueDate, req.AsOf))
		if idx < 0 {
			continue
		}
		add(&report.Buckets[idx], item.Amount)
		report.TotalAmount = report.TotalAmount.Add(item.Amount)
		report.TotalCount++
		if buckets[idx].MinDays > 0 {
			delinquent[item.LoanID] = true
		}

		if req.ByEntity {
			totals, ok := entities[item.EntityID]
			if !ok {
				totals = newTotals(buckets)
				entities[item.EntityID] = totals
			}
			add(&totals[idx], item.Amount)
		}
	}

	report.Delinquent = len(delinquent)
	fillPercentages(report.Buckets)
	if req.ByEntity {
		for _, totals := range entities {
			fillPercentages(totals)
		}
		report.ByEntity = entities
	}
	return report, nil
}

func newTotals(buckets []AgingBucket) []BucketTotal {
	totals := make([]BucketTotal, len(buckets))
	for i, b := range buckets {
		totals[i] = BucketTotal{AgingBucket: b, Amount: decimal.Zero, Percentage: decimal.Zero}
	}
	return totals
}

func add(t *BucketTotal, amount decimal.Decimal) {
	t.Amount = t.Amount.Add(amount)
	t.Count++
}

func fillPercentages(totals []BucketTotal) {
	sum := decimal.Zero
	for _, t := range totals {
		sum = sum.Add(t.Amount)
	}
	for i := range totals {
		if sum.IsZero() {
			totals[i].Percentage = decimal.Zero
			continue
		}
		totals[i].Percentage = totals[i].Amount.Div(sum).Mul(hundred).Round(2)
	}
}
