package messaging

// Subjects used on the message bus.
const (
	// OrdersCreatedSubject carries order-created events published after checkout.
	OrdersCreatedSubject = "till.orders.created"

	// NetworkOnlineSubject is published by the host environment when
	// connectivity to the remote store is restored.
	NetworkOnlineSubject = "till.network.online"
)
