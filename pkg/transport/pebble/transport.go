package pebbletransport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/criteo/worker-autoscaler/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

type Options struct {
	// DataDir is the Pebble database directory
	DataDir string
	// Address of the queue Receive reads from, created on Open
	Address string
	// Sync forces a WAL sync on every send and receive
	Sync bool
	// PebbleOptions allows tuning Pebble, defaults are used when nil
	PebbleOptions *pebble.Options
}

type Transport struct {
	db        *pebble.DB
	address   string
	writeOpts *pebble.WriteOptions

	// mu serializes receives so that two workers never get the same head,
	// and guards the sequence counters.
	mu   sync.Mutex
	seqs map[string]uint64
}

// Open opens (or creates) the database and the transport's own queue
func Open(opts Options) (*Transport, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble transport: DataDir is required")
	}
	if err := validateAddress(opts.Address); err != nil {
		return nil, err
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble database in %s", opts.DataDir)
	}

	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}
	t := &Transport{db: db, address: opts.Address, writeOpts: writeOpts, seqs: make(map[string]uint64)}
	if err := t.CreateQueue(opts.Address); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// Close closes the underlying database
func (t *Transport) Close() error {
	return t.db.Close()
}

func (t *Transport) Address() string {
	return t.address
}

func (t *Transport) CreateQueue(address string) error {
	if err := validateAddress(address); err != nil {
		return err
	}
	return errors.Wrapf(t.db.Set(markerKey(address), nil, t.writeOpts), "failed to create queue %s", address)
}

func (t *Transport) Send(ctx context.Context, destination string, msg *transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exists, err := t.queueExists(destination)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(transport.ErrQueueNotFound, "cannot deliver message %s to %s", msg.ID, destination)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to encode message %s", msg.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	seq, err := t.nextSeq(destination)
	if err != nil {
		return err
	}
	if err := t.db.Set(messageKey(destination, seq), data, t.writeOpts); err != nil {
		return errors.Wrapf(err, "failed to store message %s", msg.ID)
	}
	t.seqs[destination] = seq
	return nil
}

func (t *Transport) Receive(ctx context.Context) (*transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := queuePrefix(t.address)
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open queue iterator")
	}
	defer iter.Close()

	if !iter.First() {
		return nil, iter.Error()
	}
	key := append([]byte(nil), iter.Key()...)
	msg := &transport.Message{}
	if err := json.Unmarshal(iter.Value(), msg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode message at %x", key)
	}
	if err := t.db.Delete(key, t.writeOpts); err != nil {
		return nil, errors.Wrapf(err, "failed to remove message %s", msg.ID)
	}
	return msg, nil
}

func (t *Transport) queueExists(address string) (bool, error) {
	_, closer, err := t.db.Get(markerKey(address))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to lookup queue %s", address)
	}
	closer.Close()
	return true, nil
}

// nextSeq must be called with mu held
func (t *Transport) nextSeq(address string) (uint64, error) {
	if seq, ok := t.seqs[address]; ok {
		return seq + 1, nil
	}
	prefix := queuePrefix(address)
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to open queue iterator")
	}
	defer iter.Close()
	if !iter.Last() {
		return 1, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()[len(prefix):]) + 1, nil
}

func validateAddress(address string) error {
	if address == "" || strings.Contains(address, "/") {
		return errors.Errorf("invalid queue address %q", address)
	}
	return nil
}

func markerKey(address string) []byte {
	return []byte("m/" + address)
}

func queuePrefix(address string) []byte {
	return []byte("q/" + address + "/")
}

func messageKey(address string, seq uint64) []byte {
	key := queuePrefix(address)
	return binary.BigEndian.AppendUint64(key, seq)
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}
