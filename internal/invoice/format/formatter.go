package format

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const invoiceNumberPrefix = "INV-"

// InvoiceNumber returns INV-<ULID>. The ULID timestamp is the issue time so
// numbers sort by creation.
func InvoiceNumber(issuedAt time.Time, entropy io.Reader) string {
	if entropy == nil {
		entropy = ulid.DefaultEntropy()
	}
	return invoiceNumberPrefix + ulid.MustNew(ulid.Timestamp(issuedAt), entropy).String()
}

// Amount renders integer cents as a plain decimal string such as "59.99".
func Amount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Money renders cents with a currency symbol for customer-facing output.
func Money(cents int64, currency string) string {
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case "", "USD":
		return "$" + Amount(cents)
	case "EUR":
		return "€" + Amount(cents)
	case "GBP":
		return "£" + Amount(cents)
	default:
		return Amount(cents) + " " + strings.ToUpper(currency)
	}
}
