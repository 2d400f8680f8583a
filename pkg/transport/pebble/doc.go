// Package pebbletransport implements a durable transport.Transport on top of
// a Pebble key-value store.
//
// Each queue is a key range. Message keys are laid out as
//
//	q/<queue>/<sequence, 8 bytes big-endian>
//
// so iterating a queue's range yields messages in send order. An existing
// queue is marked with an empty value under m/<queue>. Receive removes the
// head of the queue, so a message is handed out at most once.
package pebbletransport
