package transport

import "context"

// Link is a request/response transport carrying one ADU per exchange. A Link
// serializes exchanges internally; callers may invoke Send concurrently.
type Link interface {
	// Connect establishes the underlying connection. Connecting an already
	// connected link is a no-op.
	Connect(ctx context.Context) error

	// Send transmits one ADU and returns the peer's response ADU. The
	// exchange is bounded by the context deadline when one is set.
	Send(ctx context.Context, adu []byte) ([]byte, error)

	// Close tears down the connection. A closed link may be reconnected.
	Close() error

	// IsConnected reports whether the link currently holds a connection.
	IsConnected() bool
}
