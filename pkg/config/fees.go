package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// InstallmentTier maps an inclusive installment range to a provider fee percent.
type InstallmentTier struct {
	Min     int
	Max     int
	Percent decimal.Decimal
}

// InstallmentTiers decodes "1=4.98;2-6=5.58;7-12=6.18" style values.
type InstallmentTiers []InstallmentTier

// Decode implements envconfig.Decoder.
func (t *InstallmentTiers) Decode(value string) error {
	parsed, err := ParseInstallmentTiers(value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseInstallmentTiers parses a semicolon separated list of range=percent pairs.
func ParseInstallmentTiers(value string) (InstallmentTiers, error) {
	var tiers InstallmentTiers
	for _, raw := range strings.Split(value, ";") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		rangePart, pctPart, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("installment tier %q: expected range=percent", entry)
		}
		minN, maxN, err := parseRange(strings.TrimSpace(rangePart))
		if err != nil {
			return nil, fmt.Errorf("installment tier %q: %w", entry, err)
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(pctPart))
		if err != nil {
			return nil, fmt.Errorf("installment tier %q: invalid percent: %w", entry, err)
		}
		if pct.IsNegative() {
			return nil, fmt.Errorf("installment tier %q: percent must not be negative", entry)
		}
		for _, existing := range tiers {
			if minN <= existing.Max && existing.Min <= maxN {
				return nil, fmt.Errorf("installment tier %q overlaps %d-%d", entry, existing.Min, existing.Max)
			}
		}
		tiers = append(tiers, InstallmentTier{Min: minN, Max: maxN, Percent: pct})
	}
	return tiers, nil
}

func parseRange(value string) (int, int, error) {
	lo, hi, isRange := strings.Cut(value, "-")
	minN, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid installment count %q", lo)
	}
	maxN := minN
	if isRange {
		if maxN, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return 0, 0, fmt.Errorf("invalid installment count %q", hi)
		}
	}
	if minN < 1 || maxN < minN {
		return 0, 0, fmt.Errorf("invalid installment range %d-%d", minN, maxN)
	}
	return minN, maxN, nil
}

// PercentFor returns the fee percent configured for the installment count.
func (t InstallmentTiers) PercentFor(installments int) (decimal.Decimal, bool) {
	if installments < 1 {
		installments = 1
	}
	for _, tier := range t {
		if installments >= tier.Min && installments <= tier.Max {
			return tier.Percent, true
		}
	}
	return decimal.Zero, false
}
