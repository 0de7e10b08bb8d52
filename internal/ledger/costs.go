package ledger

import "server/internal/domain"

// CreditCosts maps job kinds to their credit price.
type CreditCosts map[domain.JobKind]int64

// DefaultCreditCosts mirrors the platform's published pricing.
func DefaultCreditCosts() CreditCosts {
	return CreditCosts{
		domain.JobKindGenerateImage: 3,
		domain.JobKindEditImage:     3,
		domain.JobKindCarousel:      3,
		domain.JobKindTextToVideo:   25,
		domain.JobKindImageToVideo:  25,
	}
}

// Cost returns the price for a kind and whether the kind is priced at all.
func (c CreditCosts) Cost(kind domain.JobKind) (int64, bool) {
	cost, ok := c[kind]
	return cost, ok
}
