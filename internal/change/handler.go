package change

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown change kind")

// Handler reacts to each kind of change.
type Handler interface {
	Deleted(ctx context.Context, event Event) error
	Renamed(ctx context.Context, event Event) error
	Written(ctx context.Context, event Event) error
}

// Dispatch routes event to the handler method for its kind.
func Dispatch(ctx context.Context, handler Handler, event Event) error {
	switch event.Kind {
	case KindDeleted:
		return handler.Deleted(ctx, event)
	case KindRenamed:
		return handler.Renamed(ctx, event)
	case KindWritten:
		return handler.Written(ctx, event)
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, event.Kind)
	}
}
