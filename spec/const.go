package spec

// Providers recorded on audit logs
const (
	ProviderStripe string = "stripe"
)

// Feature tags written on every CreditAuditLog row
const (
	FeatureSignup         string = "signup"
	FeatureSubscription   string = "subscription"
	FeatureRenewal        string = "renewal"
	FeatureOneTime        string = "one_time"
	FeatureRefund         string = "refund"
	FeatureCancel         string = "cancel"
	FeatureRenewalFailure string = "renewal_failure"
)

// Metadata keys stamped onto Checkout Sessions and Subscriptions by the checkout initiator
const (
	MetadataOrderID   string = "order_id"
	MetadataUserID    string = "user_id"
	MetadataOrderType string = "order_type"
)

// CancellationRequested is Stripe's cancellation_details.reason for a customer-initiated cancel
const CancellationRequested string = "cancellation_requested"
