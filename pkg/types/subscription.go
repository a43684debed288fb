package types

type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPendingActivation SubscriptionStatus = "PENDING_ACTIVATION"
	SubscriptionStatusTrial             SubscriptionStatus = "TRIAL"
	SubscriptionStatusPaused            SubscriptionStatus = "PAUSED"
	SubscriptionStatusPaymentFailed     SubscriptionStatus = "PAYMENT_FAILED"
	SubscriptionStatusCanceled          SubscriptionStatus = "CANCELED"
	SubscriptionStatusExpired           SubscriptionStatus = "EXPIRED"
)

var SubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusPendingActivation,
	SubscriptionStatusTrial,
	SubscriptionStatusPaused,
	SubscriptionStatusPaymentFailed,
	SubscriptionStatusCanceled,
	SubscriptionStatusExpired,
}

func (s SubscriptionStatus) Valid() bool {
	for _, v := range SubscriptionStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusExpired
}

// Entitled reports whether a subscription in this status is granted its plan's tokens.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrial
}

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonCreate       SubscriptionChangeReason = "create"
	SubscriptionChangeReasonPlanChange   SubscriptionChangeReason = "plan_change"
	SubscriptionChangeReasonStatusChange SubscriptionChangeReason = "status_change"
	SubscriptionChangeReasonUpdate       SubscriptionChangeReason = "update"
	SubscriptionChangeReasonCancel       SubscriptionChangeReason = "cancel"
)
