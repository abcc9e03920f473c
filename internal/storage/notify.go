package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// ChannelMessages carries bus messages between orchestrator nodes and
// remotely hosted crews.
const ChannelMessages = "rex_messages"

// maxNotifyPayload is Postgres' hard limit on NOTIFY payload size, less one
// byte for the terminator.
const maxNotifyPayload = 7999

var errNoNotify = errors.New("storage: notify connection not configured")

// ErrPayloadTooLarge is returned by Notify for payloads Postgres would
// refuse. Retrying cannot help.
var ErrPayloadTooLarge = errors.New("storage: notify payload too large")

// Listen subscribes the notify connection to channel. Channels are
// remembered and re-subscribed whenever the connection is re-established.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyDSN == "" {
		return errNoNotify
	}
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	conn, err := db.notifyConnLocked(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	if !slices.Contains(db.channels, channel) {
		db.channels = append(db.channels, channel)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. A dropped connection is reported once and replaced on the next
// call, so callers can loop on errors.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyDSN == "" {
		return "", "", errNoNotify
	}
	db.notifyMu.Lock()
	conn, err := db.notifyConnLocked(ctx)
	db.notifyMu.Unlock()
	if err != nil {
		return "", "", err
	}

	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// notifyConnLocked returns the live notify connection, dialing a new one and
// re-issuing LISTEN for every known channel if the old one closed.
func (db *DB) notifyConnLocked(ctx context.Context) (*pgx.Conn, error) {
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		return db.notifyConn, nil
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	for _, ch := range db.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("storage: relisten %s: %w", ch, err)
		}
	}
	if db.notifyConn != nil {
		db.logger.Info("storage: notify connection re-established", "channels", len(db.channels))
	}
	db.notifyConn = conn
	return conn, nil
}

// Notify sends payload on channel through the pool. Payloads over the
// Postgres limit are rejected rather than truncated.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %s: %d bytes exceeds %d", ErrPayloadTooLarge, channel, len(payload), maxNotifyPayload)
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
