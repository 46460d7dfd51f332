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

package broker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestBroker(t *testing.T) *Broker {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "broker.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	b := New(db)
	if err := b.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return b
}

func TestEnqueueDequeueAck(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ticket, err := b.Dequeue(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ticket.JobID != "job-1" {
		t.Fatalf("expected job-1, got %s", ticket.JobID)
	}

	// While leased, a second dequeue must find nothing.
	if _, err := b.Dequeue(ctx, "worker-2", time.Minute); !errors.Is(err, ErrNoTicket) {
		t.Fatalf("expected ErrNoTicket while leased, got %v", err)
	}

	if err := b.Ack(ctx, ticket.TicketID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if _, err := b.Dequeue(ctx, "worker-1", time.Minute); !errors.Is(err, ErrNoTicket) {
		t.Fatalf("expected ErrNoTicket after ack, got %v", err)
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	b := openTestBroker(t)
	_, err := b.Dequeue(context.Background(), "worker-1", time.Minute)
	if !errors.Is(err, ErrNoTicket) {
		t.Fatalf("expected ErrNoTicket, got %v", err)
	}
}

func TestDequeueFIFOOrder(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()
	if err := b.Enqueue(ctx, "job-a"); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := b.Enqueue(ctx, "job-b"); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}

	first, err := b.Dequeue(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.JobID != "job-a" {
		t.Fatalf("expected FIFO order job-a first, got %s", first.JobID)
	}
}

func TestExpiredLeaseBecomesRedeliverable(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()
	if err := b.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := b.Dequeue(ctx, "worker-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	second, err := b.Dequeue(ctx, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("expected redelivery after lease expiry, got %v", err)
	}
	if second.TicketID != first.TicketID {
		t.Fatalf("expected same ticket redelivered, got %s vs %s", second.TicketID, first.TicketID)
	}
}
