package dispatcher

import (
	"context"

	"github.com/edirooss/evbus/internal/store"
)

// Read-only views for the admin API. All snapshots are eventually
// consistent reads of the underlying Redis documents.

// Incomers returns the current registry snapshot.
func (d *Dispatcher) Incomers(ctx context.Context) (map[string]store.Incomer, error) {
	return d.registry.GetIncomers(ctx)
}

// DispatcherTransactions returns the live dispatcher-side transactions.
func (d *Dispatcher) DispatcherTransactions(ctx context.Context) (map[string]store.Transaction, error) {
	return d.transactions.GetAll(ctx)
}

// BackupDispatcherTransactions returns the parked dispatcher-side transactions.
func (d *Dispatcher) BackupDispatcherTransactions(ctx context.Context) (map[string]store.Transaction, error) {
	return d.backupDispatcher.GetAll(ctx)
}

// BackupIncomerTransactions returns the parked incomer-side transactions.
func (d *Dispatcher) BackupIncomerTransactions(ctx context.Context) (map[string]store.Transaction, error) {
	return d.backupIncomer.GetAll(ctx)
}
