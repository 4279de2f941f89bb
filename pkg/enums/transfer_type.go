package enums

// TransferType classifies why a NILA transfer was recorded.
type TransferType string

const (
	TransferTypeSettlementReward TransferType = "settlement_reward"
)

// IsValid reports whether the value matches the canonical transfer type enum.
func (t TransferType) IsValid() bool {
	return t == TransferTypeSettlementReward
}
