package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const receiptWidth = 40

// Receipt renders a plain text receipt.
type Receipt struct {
	tag     language.Tag
	printer *message.Printer
	unit    currency.Unit
}

// NewReceipt builds a Receipt for a locale and ISO currency code. Unknown
// codes fall back to USD.
func NewReceipt(tag language.Tag, code string) *Receipt {
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.USD
	}
	return &Receipt{
		tag:     tag,
		printer: message.NewPrinter(tag),
		unit:    unit,
	}
}

// Money formats d with grouping and two decimals, prefixed by the ISO code.
func (r *Receipt) Money(d decimal.Decimal) string {
	d = d.Round(2)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	whole := d.Truncate(0)
	cents := d.Sub(whole).Shift(2).IntPart()
	return fmt.Sprintf("%s %s%s.%02d", r.unit, sign, r.printer.Sprintf("%d", whole.IntPart()), cents)
}

// Render writes the receipt for inv.
func (r *Receipt) Render(inv *Invoice) string {
	var b strings.Builder
	caser := cases.Title(r.tag)
	rule := strings.Repeat("-", receiptWidth)

	fmt.Fprintf(&b, "%s\n", inv.Number)
	fmt.Fprintf(&b, "Table %s  %s\n", inv.TableLabel, inv.IssuedAt.Format("2006-01-02 15:04"))
	b.WriteString(rule + "\n")
	for _, l := range inv.Lines {
		r.row(&b, fmt.Sprintf("%dx %s", l.Quantity, caser.String(l.Name)), r.Money(l.Amount))
	}
	b.WriteString(rule + "\n")
	r.row(&b, "Subtotal", r.Money(inv.Subtotal))
	r.row(&b, "Tax "+inv.TaxRate.Shift(2).String()+"%", r.Money(inv.Tax))
	r.row(&b, "Total", r.Money(inv.Total))
	for _, p := range inv.Payments {
		r.row(&b, caser.String(strings.ToLower(string(p.Method))), r.Money(p.Amount))
	}
	if !inv.Balance().IsZero() && inv.Status == InvoiceOpen {
		r.row(&b, "Balance due", r.Money(inv.Balance()))
	}
	if inv.Status != InvoiceOpen {
		fmt.Fprintf(&b, "%s\n", inv.Status)
	}
	return b.String()
}

func (r *Receipt) row(b *strings.Builder, label, amount string) {
	pad := receiptWidth - len(label) - len(amount)
	if pad < 1 {
		pad = 1
	}
	b.WriteString(label + strings.Repeat(" ", pad) + amount + "\n")
}
