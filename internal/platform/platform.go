// Package platform provides an adapter interface for prediction market platforms.
package platform

import (
	"context"
)

// Platform is a market data source that runs until its context is cancelled.
type Platform interface {
	Name() string
	// Start blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
