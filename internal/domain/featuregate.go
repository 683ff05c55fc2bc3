package domain

// Tier identifies the caller's subscription plan, carried on Identity and
// used to gate reporting/export features (§6.3 Feature gate collaborator).
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// MayExport reports whether tier is permitted to create an export job at
// all. The free tier gets live voting only; export requires at least pro.
func MayExport(tier string) bool {
	return tier == TierPro || tier == TierEnterprise
}

// MayRequestDetailedReport reports whether tier may request the PDF report,
// the format treated as the detailed report; CSV needs only MayExport.
// Reserved for enterprise.
func MayRequestDetailedReport(tier string) bool {
	return tier == TierEnterprise
}
