package statement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/shopspring/decimal"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
)

const dateLayout = "2006-01-02"

// Renderer turns a settlement and its items into a payout statement PDF.
type Renderer interface {
	Render(ctx context.Context, settlement settlementdomain.Settlement, items []settlementdomain.SettlementItem) ([]byte, error)
}

type PDFRenderer struct {
	issuer string
}

func New() Renderer {
	return &PDFRenderer{issuer: "Marketpay"}
}

func (r *PDFRenderer) Render(ctx context.Context, settlement settlementdomain.Settlement, items []settlementdomain.SettlementItem) ([]byte, error) {
	if settlement.ID == 0 {
		return nil, errors.New("statement settlement is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(10,
		text.NewCol(8, "Settlement statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, r.issuer, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Statement: "+settlement.ID.String(), props.Text{Top: 0}),
			text.New("Payee: "+string(settlement.PayeeType)+" "+settlement.PayeeID.String(), props.Text{Top: 4}),
			text.New("Period: "+formatPeriod(settlement.PeriodStart, settlement.PeriodEnd), props.Text{Top: 8}),
			text.New("Status: "+string(settlement.Status), props.Text{Top: 12}),
			text.New("Currency: "+settlement.Currency, props.Text{Top: 16}),
		),
		col.New(6).Add(statusDetails(settlement)...),
	)

	m.AddRow(15,
		text.NewCol(12, "Payout "+FormatAmount(settlement.PayoutAmount, settlement.Currency), props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(3, "Kind", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Source", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Fee", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Payout", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, item := range items {
		m.AddRow(8,
			text.NewCol(3, kindLabel(item.Kind), props.Text{Size: 9}),
			text.NewCol(3, item.SourceID.String(), props.Text{Size: 9}),
			text.NewCol(2, FormatAmount(item.Amount, settlement.Currency), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, FormatAmount(item.PlatformFee, settlement.Currency), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, FormatAmount(item.PayoutAmount, settlement.Currency), props.Text{Size: 9, Align: align.Right}),
		)
	}
	if len(items) == 0 {
		m.AddRow(8, text.NewCol(12, "No items", props.Text{Size: 9}))
	}

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Gross", props.Text{Size: 9}),
		text.NewCol(2, FormatAmount(settlement.TotalAmount, settlement.Currency), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Platform fee", props.Text{Size: 9}),
		text.NewCol(2, FormatAmount(settlement.PlatformFee, settlement.Currency), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Payout", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, FormatAmount(settlement.PayoutAmount, settlement.Currency), props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate statement: %w", err)
	}
	return doc.GetBytes(), nil
}

func statusDetails(settlement settlementdomain.Settlement) []core.Component {
	details := make([]core.Component, 0, 3)
	top := 0.0
	add := func(label string) {
		details = append(details, text.New(label, props.Text{Top: top, Align: align.Right}))
		top += 4
	}
	if settlement.PayoutReference != nil {
		add("Reference: " + *settlement.PayoutReference)
	}
	if settlement.PaidAt != nil {
		add("Paid: " + settlement.PaidAt.UTC().Format(dateLayout))
	}
	if settlement.FailureReason != nil {
		add("Failure: " + *settlement.FailureReason)
	}
	return details
}

// formatPeriod prints the half-open period as an inclusive date range.
func formatPeriod(start, end time.Time) string {
	last := end.UTC().AddDate(0, 0, -1)
	if last.Before(start.UTC()) {
		last = start.UTC()
	}
	return start.UTC().Format(dateLayout) + " to " + last.Format(dateLayout)
}

func kindLabel(kind settlementdomain.ItemKind) string {
	switch kind {
	case settlementdomain.ItemKindOrder:
		return "Order"
	case settlementdomain.ItemKindVerifierPayout:
		return "Verification"
	case settlementdomain.ItemKindRefundAdjustment:
		return "Refund adjustment"
	default:
		return string(kind)
	}
}

var zeroDecimalCurrencies = map[string]struct{}{
	"KRW": {},
	"JPY": {},
	"VND": {},
}

// FormatAmount renders minor units with the currency's decimal places.
func FormatAmount(amount int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	places := int32(2)
	if _, ok := zeroDecimalCurrencies[currency]; ok {
		places = 0
	}
	value := decimal.New(amount, -places).StringFixed(places)
	if currency == "" {
		return value
	}
	return value + " " + currency
}
