// Package checkout validates cart contents against the live catalog before
// an order is placed.
package checkout

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldra/storekit/internal/catalog"
	"github.com/veldra/storekit/internal/observability"
	"github.com/veldra/storekit/internal/schema"
)

// IssueKind classifies a single validation finding.
type IssueKind string

const (
	IssueNotFound          IssueKind = "not_found"
	IssueProductInactive   IssueKind = "product_inactive"
	IssueInsufficientStock IssueKind = "insufficient_stock"
	IssuePriceChanged      IssueKind = "price_changed"
)

// Issue describes one problem with one cart line. Quantity and price
// context is filled per kind: Available for stock issues, OldPrice and
// NewPrice for price drift.
type Issue struct {
	Kind      IssueKind       `json:"kind"`
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Requested int             `json:"requested,omitempty"`
	Available int             `json:"available,omitempty"`
	OldPrice  decimal.Decimal `json:"oldPrice,omitempty"`
	NewPrice  decimal.Decimal `json:"newPrice,omitempty"`
}

// Report aggregates all findings for one validation pass. Validation
// inspects every line; it never stops at the first problem.
type Report struct {
	Issues   []Issue `json:"issues"`
	Degraded bool    `json:"degraded"`
}

// HasIssues reports whether checkout should be blocked.
func (r Report) HasIssues() bool { return len(r.Issues) > 0 }

// CatalogSource yields the product view to validate against; satisfied by
// catalog.Client.
type CatalogSource interface {
	Products(ctx context.Context) (catalog.View, error)
}

// Validator checks cart lines against catalog truth.
type Validator struct {
	source    CatalogSource
	tolerance decimal.Decimal

	failures metric.Int64Counter
}

// NewValidator constructs a validator. Price comparisons treat differences
// at or under tolerance as equal, absorbing representation noise without
// hiding real price moves.
func NewValidator(source CatalogSource, tolerance decimal.Decimal) *Validator {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	meter := otel.Meter("storekit/checkout")
	failures, _ := meter.Int64Counter("storekit.checkout.validation_failures")
	return &Validator{source: source, tolerance: tolerance, failures: failures}
}

// Validate inspects every line of the record against the current catalog.
// A stale catalog still validates, flagged degraded in the report; only a
// complete catalog miss fails the pass.
func (v *Validator) Validate(ctx context.Context, record schema.CartRecord) (Report, error) {
	view, err := v.source.Products(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Degraded: view.Stale || view.Degraded}
	for _, item := range record.Items {
		report.Issues = append(report.Issues, v.checkItem(item, view)...)
	}
	if report.HasIssues() {
		v.failures.Add(ctx, int64(len(report.Issues)))
		observability.Log().Info("checkout validation found issues",
			observability.F("issues", len(report.Issues)),
			observability.F("degraded", report.Degraded))
	}
	return report, nil
}

func (v *Validator) checkItem(item schema.CartItem, view catalog.View) []Issue {
	product, ok := view.Product(item.ProductID)
	if !ok {
		return []Issue{{Kind: IssueNotFound, ProductID: item.ProductID, Name: item.Name}}
	}
	if !product.Active {
		return []Issue{{Kind: IssueProductInactive, ProductID: item.ProductID, Name: product.Name}}
	}

	var issues []Issue
	if item.Quantity > product.AvailableQuantity {
		issues = append(issues, Issue{
			Kind:      IssueInsufficientStock,
			ProductID: item.ProductID,
			Name:      product.Name,
			Requested: item.Quantity,
			Available: product.AvailableQuantity,
		})
	}
	if item.UnitPrice.Sub(product.Price).Abs().GreaterThan(v.tolerance) {
		issues = append(issues, Issue{
			Kind:      IssuePriceChanged,
			ProductID: item.ProductID,
			Name:      product.Name,
			OldPrice:  item.UnitPrice,
			NewPrice:  product.Price,
		})
	}
	return issues
}
