package domain

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// MoneyScale is the number of fractional digits kept on monetary amounts.
const MoneyScale = 2

var hundred = decimal.NewFromInt(100)

// ComputeBill returns quantity × unitPrice × (1 + taxRate/100) rounded to MoneyScale.
func ComputeBill(quantity int64, unitPrice, taxRate decimal.Decimal) decimal.Decimal {
	multiplier := decimal.NewFromInt(1).Add(taxRate.Div(hundred))
	return decimal.NewFromInt(quantity).Mul(unitPrice).Mul(multiplier).Round(MoneyScale)
}

// LotTotal is the catalogue value contributed by a lot, excluding tax.
func LotTotal(quantity int64, sellingPrice decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(quantity).Mul(sellingPrice).Round(MoneyScale)
}

// SumBills adds the bill amounts of the supplied orders.
func SumBills(orders []Order) decimal.Decimal {
	total := decimal.Zero
	for _, order := range orders {
		total = total.Add(order.BillAmount)
	}
	return total
}

// NormalizeSize folds compatibility forms (full-width letters, stray spaces) and upper-cases the label.
func NormalizeSize(size string) string {
	folded := norm.NFKC.String(size)
	return strings.ToUpper(strings.Join(strings.Fields(folded), " "))
}
