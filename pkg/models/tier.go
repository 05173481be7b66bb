package models

// Tier represents a budget class determining the daily spend cap.
type Tier string

const (
	// TierFree is the entry tier with a small daily cap.
	TierFree Tier = "free"
	// TierPro is the paid tier with a larger daily cap.
	TierPro Tier = "pro"
	// TierEnterprise is the uncapped tier.
	TierEnterprise Tier = "enterprise"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	default:
		return false
	}
}
