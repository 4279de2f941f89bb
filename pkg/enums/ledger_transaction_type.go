package enums

// LedgerTransactionType classifies a credit ledger entry.
// The settlement engine only writes the debit path; the enum leaves room for
// the other back-office flows that share the table.
type LedgerTransactionType string

const (
	LedgerTransactionTypeSettlementDebit LedgerTransactionType = "settlement_debit"
)

// IsValid reports whether the value matches the canonical transaction type enum.
func (t LedgerTransactionType) IsValid() bool {
	return t == LedgerTransactionTypeSettlementDebit
}
