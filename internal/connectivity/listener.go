// Package connectivity reacts to network-recovery announcements. The till
// works fully offline; when something on the network signals that the link
// is back, we push the pending queue out and pull fresh remote state.
package connectivity

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// SyncFunc flushes local pending state and refreshes it from the remote
// store. It is invoked once per recovery announcement.
type SyncFunc func(ctx context.Context) error

// Listener subscribes to a recovery subject and triggers a sync per message.
type Listener struct {
	conn    *nats.Conn
	subject string
	sync    SyncFunc
	logger  *slog.Logger
}

func NewListener(conn *nats.Conn, subject string, sync SyncFunc, logger *slog.Logger) *Listener {
	return &Listener{
		conn:    conn,
		subject: subject,
		sync:    sync,
		logger:  logger.With("component", "connectivity"),
	}
}

// Run subscribes and blocks until the context is cancelled. Sync failures
// are logged and the subscription stays live; the next announcement retries.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.conn.Subscribe(l.subject, func(msg *nats.Msg) {
		l.logger.Info("network recovery announced, syncing", "subject", msg.Subject)
		if err := l.sync(ctx); err != nil {
			l.logger.Warn("sync after recovery failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			l.logger.Warn("failed to unsubscribe", "error", err)
		}
	}()

	l.logger.Info("listening for network recovery", "subject", l.subject)
	<-ctx.Done()
	return nil
}
