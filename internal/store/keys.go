// Package store holds the Redis-persisted directories of the bus: the
// transaction stores and the incomer registry. Every store is one JSON
// document under one key; reads and writes are coarse-grained
// read-modify-write of the whole document.
package store

import "time"

// Key layout. {prefix} may be empty.
//
//	{prefix}dispatcher-transaction               dispatcher-side transactions
//	{prefix}{incomerUUID}-incomer-transaction    one incomer's transactions
//	{prefix}backup-dispatcher-transaction        orphaned dispatcher-side
//	{prefix}backup-incomer-transaction           orphaned incomer-side
//	{prefix}incomer                              incomer registry
func DispatcherTransactionsKey(prefix string) string {
	return prefix + "dispatcher-transaction"
}

func IncomerTransactionsKey(prefix, incomerUUID string) string {
	return prefix + incomerUUID + "-incomer-transaction"
}

func BackupDispatcherTransactionsKey(prefix string) string {
	return prefix + "backup-dispatcher-transaction"
}

func BackupIncomerTransactionsKey(prefix string) string {
	return prefix + "backup-incomer-transaction"
}

func IncomerRegistryKey(prefix string) string {
	return prefix + "incomer"
}

// DispatcherChannel is the shared registration/election channel.
func DispatcherChannel(prefix string) string {
	return prefix + "dispatcher"
}

// IncomerChannel is an incomer's private channel.
func IncomerChannel(prefix, providedUUID string) string {
	return prefix + providedUUID
}

// NowMillis is the timestamp base for aliveSince/lastActivity fields.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
