package reconcile

import (
	"strings"

	"github.com/mmeshcher/revenue-system/internal/model"
)

// NormalizeStatus приводит свободный текст статуса источника к словарю
// сервиса. Неизвестные статусы считаются ожидающими.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return model.PaymentStatusPending
	case containsAny(s, "refund", "chargeback", "dispute"):
		return model.PaymentStatusRefunded
	case containsAny(s, "paid", "succeeded", "completed", "complete", "captured", "approved"):
		return model.PaymentStatusCompleted
	case containsAny(s, "cancel", "void", "expired"):
		return model.PaymentStatusCancelled
	case containsAny(s, "fail", "declin"):
		return model.PaymentStatusFailed
	default:
		return model.PaymentStatusPending
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
