package types

type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusOpen          InvoiceStatus = "OPEN"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusVoid          InvoiceStatus = "VOID"
	InvoiceStatusUncollectible InvoiceStatus = "UNCOLLECTIBLE"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:         {InvoiceStatusOpen, InvoiceStatusVoid},
	InvoiceStatusOpen:          {InvoiceStatusPaid, InvoiceStatusVoid, InvoiceStatusUncollectible},
	InvoiceStatusUncollectible: {InvoiceStatusPaid, InvoiceStatusVoid},
}

// CanTransition reports whether an invoice may move from s to next.
func (s InvoiceStatus) CanTransition(next InvoiceStatus) bool {
	for _, v := range invoiceTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}
