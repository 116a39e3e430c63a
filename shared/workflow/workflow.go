package workflow

import "strings"

// Delivery states of a persisted verification outcome.
const (
	DeliveryPending   = "PENDING"
	DeliveryPublished = "PUBLISHED"
	DeliveryGap       = "GAP"
)

const (
	DeliveryEventPublished = "outcome_published"
	DeliveryEventGap       = "outcome_delivery_gap"
	DeliveryEventRedriven  = "outcome_redriven"
)

var deliveryTransitions = map[string]map[string]string{
	DeliveryPending: {
		DeliveryPublished: DeliveryEventPublished,
		DeliveryGap:       DeliveryEventGap,
	},
	DeliveryGap: {
		DeliveryPublished: DeliveryEventRedriven,
	},
}

func NormalizeDeliveryStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeDeliveryStatus(fromStatus)
	toStatus = NormalizeDeliveryStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	_, ok := deliveryTransitions[fromStatus][toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeDeliveryStatus(fromStatus)
	toStatus = NormalizeDeliveryStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	return deliveryTransitions[fromStatus][toStatus]
}

// SourcesFor lists the states that may move to toStatus. Stores use it to guard updates.
func SourcesFor(toStatus string) []string {
	toStatus = NormalizeDeliveryStatus(toStatus)
	var out []string
	for _, from := range AllDeliveryStatuses() {
		if _, ok := deliveryTransitions[from][toStatus]; ok {
			out = append(out, from)
		}
	}
	return out
}

func AllDeliveryStatuses() []string {
	return []string{
		DeliveryPending,
		DeliveryPublished,
		DeliveryGap,
	}
}
