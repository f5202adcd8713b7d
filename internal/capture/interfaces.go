package capture

import (
	"context"
	"time"
)

// Engine launches browser processes (or connections to them).
type Engine interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one live browser process or remote connection.
type Browser interface {
	// NewPage opens a fresh tab configured with opts.
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	// Ping checks that the browser still answers protocol commands.
	Ping(ctx context.Context) error
	// Close terminates the browser. It must be safe to call more than once.
	Close() error
}

// Page is a single tab borrowed for one capture.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Wait(ctx context.Context, cond WaitCondition) error
	Screenshot(ctx context.Context, opts ShotOptions) ([]byte, error)
	// Location returns the URL currently displayed, after redirects.
	Location(ctx context.Context) (string, error)
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces capture and handle IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests for archived images.
type Hasher interface {
	Hash(data []byte) (string, error)
}
