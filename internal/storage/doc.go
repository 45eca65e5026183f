// Package storage provides the sqlite persistence layer.
//
// It owns three concerns:
//   - Organization rows (identity, access code, quotas, per-period counters)
//   - The append-only send-record audit table
//   - Atomic quota reserve/commit, each executed as a single transaction so
//     concurrent dispatch runs can never jointly exceed an organization's quota
package storage
