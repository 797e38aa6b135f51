package payments

import (
	"strings"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
)

var defaultPaidStatuses = map[enums.PaymentMethod][]string{
	enums.PaymentMethodPix: {
		"CONCLUIDA", "CONCLUIDO", "PAID", "PAGO", "APPROVED", "APROVADO", "COMPLETED", "CONFIRMED", "RECEIVED",
	},
	enums.PaymentMethodCard: {
		"COMPLETED", "APPROVED", "APROVADO", "PAID", "PAGO", "CAPTURED", "SUCCEEDED",
	},
}

// StatusMatcher is a case-insensitive allow-list of provider statuses that mean "paid".
type StatusMatcher struct {
	paid map[string]struct{}
}

// NewStatusMatcher builds the default allow-list for method, extended with extra.
func NewStatusMatcher(method enums.PaymentMethod, extra ...string) StatusMatcher {
	m := StatusMatcher{paid: map[string]struct{}{}}
	for _, s := range defaultPaidStatuses[method] {
		m.paid[normalizeStatus(s)] = struct{}{}
	}
	for _, s := range extra {
		if n := normalizeStatus(s); n != "" {
			m.paid[n] = struct{}{}
		}
	}
	return m
}

// IsPaid reports whether the raw provider status is in the allow-list.
func (m StatusMatcher) IsPaid(raw string) bool {
	_, ok := m.paid[normalizeStatus(raw)]
	return ok
}

func normalizeStatus(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Matchers holds one allow-list per payment method.
type Matchers map[enums.PaymentMethod]StatusMatcher

// NewMatchers builds the pix and card allow-lists, each extended with extra.
func NewMatchers(extra []string) Matchers {
	return Matchers{
		enums.PaymentMethodPix:  NewStatusMatcher(enums.PaymentMethodPix, extra...),
		enums.PaymentMethodCard: NewStatusMatcher(enums.PaymentMethodCard, extra...),
	}
}

// IsPaidStatus reports whether raw means "paid" for method.
func (m Matchers) IsPaidStatus(method enums.PaymentMethod, raw string) bool {
	matcher, ok := m[method]
	if !ok {
		return false
	}
	return matcher.IsPaid(raw)
}
