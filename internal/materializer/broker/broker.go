// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package broker is a FIFO ticket queue with at-least-once delivery
// standing in for the Work Broker external collaborator. It carries
// nothing but {jobId} per ticket, exactly as specified — workers load
// everything else from the Metadata Store. It shares the same
// embedded SQLite database as the store package (a separate table, no
// foreign key to jobs) but is otherwise an independent component: the
// store never imports it and it never imports the store.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoTicket is returned by Dequeue when nothing is available.
var ErrNoTicket = errors.New("broker: no ticket available")

// Ticket is the broker message. JobID is the only payload; TicketID
// identifies the ticket itself and stays the same across redeliveries,
// so Ack can target it whichever delivery is being acknowledged.
type Ticket struct {
	TicketID string
	JobID    string
}

// Broker is a SQLite-table-backed FIFO queue. Visibility timeout
// implements at-least-once delivery the same way the job-lease
// mechanism elsewhere in this codebase does: a leased ticket becomes
// re-visible once its lease expires, so a crashed worker's ticket is
// eventually redelivered without an explicit nack.
type Broker struct {
	db *sql.DB
}

// New wraps an existing *sql.DB. Call Migrate once before use.
func New(db *sql.DB) *Broker {
	return &Broker{db: db}
}

// Migrate creates the broker_tickets table if absent.
func (b *Broker) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS broker_tickets (
  ticket_id   TEXT PRIMARY KEY,
  job_id      TEXT NOT NULL,
  visible_at  TIMESTAMP NOT NULL,
  leased_by   TEXT NULL,
  created_at  TIMESTAMP NOT NULL
);`
	_, err := b.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("migrate broker: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_broker_visible ON broker_tickets(visible_at);`)
	return err
}

// Enqueue publishes a ticket carrying jobID, immediately visible.
func (b *Broker) Enqueue(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	const ins = `INSERT INTO broker_tickets(ticket_id, job_id, visible_at, leased_by, created_at) VALUES(?, ?, ?, NULL, ?)`
	_, err := b.db.ExecContext(ctx, ins, uuid.NewString(), jobID, now, now)
	if err != nil {
		return fmt.Errorf("enqueue ticket: %w", err)
	}
	return nil
}

// Dequeue atomically leases the oldest visible ticket for workerID,
// hiding it for visibilityTimeout. Returns ErrNoTicket if the queue is
// empty (including when every outstanding ticket's lease has not yet
// expired).
func (b *Broker) Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*Ticket, error) {
	now := time.Now().UTC()
	nextVisible := now.Add(visibilityTimeout)

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const sel = `SELECT ticket_id, job_id FROM broker_tickets WHERE visible_at <= ? ORDER BY created_at ASC LIMIT 1`
	var ticketID, jobID string
	if err := tx.QueryRowContext(ctx, sel, now).Scan(&ticketID, &jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTicket
		}
		return nil, fmt.Errorf("select ticket: %w", err)
	}

	const upd = `UPDATE broker_tickets SET visible_at=?, leased_by=? WHERE ticket_id=? AND visible_at<=?`
	res, err := tx.ExecContext(ctx, upd, nextVisible, workerID, ticketID, now)
	if err != nil {
		return nil, fmt.Errorf("lease ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrNoTicket
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return &Ticket{TicketID: ticketID, JobID: jobID}, nil
}

// Ack permanently removes a ticket once its worker has safely handed
// the job off to a terminal state (or confirmed it is a stale
// redelivery of an already-terminal job).
func (b *Broker) Ack(ctx context.Context, ticketID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM broker_tickets WHERE ticket_id=?`, ticketID)
	if err != nil {
		return fmt.Errorf("ack ticket: %w", err)
	}
	return nil
}
