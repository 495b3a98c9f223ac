// Package storage keeps the history of finished processes: one record per
// compose operation, log follower or exec shell, with the tail of its
// output.
package storage
