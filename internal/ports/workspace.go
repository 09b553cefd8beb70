package ports

import "context"

type ChangeTracker interface {
	// TakeChanges returns the number of changes seen since the previous call.
	TakeChanges() int
	Close() error
}

type ChangeWatcher interface {
	Watch(ctx context.Context, dir string) (ChangeTracker, error)
}
