// Package monitor keeps a long-lived event stream open, turns container
// events into debounced per-stack status syncs and reconnects with bounded
// exponential backoff when the stream drops. Periodic polling elsewhere
// keeps status fresh if the stream gives up.
package monitor
