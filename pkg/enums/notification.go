package enums

// NotificationEvent names the lifecycle events published to the notification sink.
type NotificationEvent string

const (
	NotificationOrderPaid      NotificationEvent = "order.paid"
	NotificationOrderExpired   NotificationEvent = "order.expired"
	NotificationPayoutSent     NotificationEvent = "payout.sent"
	NotificationPayoutFailed   NotificationEvent = "payout.failed"
	NotificationPayoutDeferred NotificationEvent = "payout.deferred"
)

// String implements fmt.Stringer.
func (n NotificationEvent) String() string {
	return string(n)
}
