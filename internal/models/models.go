package models

// BillingModels lists the tables owned by the billing authority's database.
func BillingModels() []any {
	return append([]any{
		&Plan{},
		&Subscription{},
		&SubscriptionLog{},
		&CustomerReplica{},
		&Invoice{},
		&Payment{},
		&TokenPurchaseRecord{},
	}, infraModels()...)
}

// AccountModels lists the tables owned by the account authority's database.
func AccountModels() []any {
	return append([]any{
		&Customer{},
		&TokenTransaction{},
		&TokenBalance{},
		&SubscriptionGrant{},
		&PlanReplica{},
	}, infraModels()...)
}

func infraModels() []any {
	return []any{
		&OutboxEvent{},
		&AppliedVersion{},
		&ProcessedEvent{},
		&DeadLetter{},
		&EventLog{},
	}
}
