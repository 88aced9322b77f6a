// Package filewatch cancels contexts when files change.
package filewatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// ErrModified is the cause of contexts canceled by file changes.
var ErrModified = errors.New("watched file is modified")

// UntilModifyContext returns a context that is canceled
// when one of target files is written, created, removed or renamed.
// Changes of permission only are ignored.
//
// The cause of the cancel wraps ErrModified. Use Modified to tell it from other cancels.
//
// If error is not nil, both of the the context and the cancel function are nil.
func UntilModifyContext(ctx context.Context, targetFilePath ...string) (context.Context, func(), error) {
	cctx, cancel := context.WithCancelCause(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, err
	}

	for _, f := range targetFilePath {
		if err := w.Add(f); err != nil {
			w.Close()
			cancel(err)
			return nil, nil, err
		}
	}

	go func() {
		defer w.Close()

		for {
			select {
			case <-cctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("watching files: %w", err))
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				cancel(fmt.Errorf("%w: %s (%s)", ErrModified, event.Name, event.Op.String()))
				return
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}

// Modified reports ctx is canceled because a watched file has been changed.
func Modified(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrModified)
}
