package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/srediag/fairmq-shm/api"
	"github.com/srediag/fairmq-shm/pkg/shm"
)

// ErrClosed is returned when using a closed message.
var ErrClosed = errors.New("message closed")

// Message is a payload living in shared memory. On the sending side the
// reference is handed over with Wire; on the receiving side Close releases
// the chunk or acknowledges the region block.
type Message struct {
	meta     MetaHeader
	data     []byte
	received bool
	sent     bool
	closed   bool

	alloc   api.Allocator
	regions api.RegionMapper
	owner   *shm.Owner
}

// NewMessage allocates a size byte chunk reserved for recipients receivers.
func NewMessage(ctx context.Context, a api.Allocator, size, recipients int) (*Message, error) {
	o, err := a.NewOwner(ctx, size, recipients)
	if err != nil {
		return nil, err
	}
	return &Message{
		meta:  MetaHeader{Size: uint64(size), Handle: uint64(o.Handle())},
		data:  o.Data(),
		alloc: a,
		owner: o,
	}, nil
}

// NewRegionMessage wraps size bytes at offset of a region created by this
// process. cb runs once the receiver acknowledges the block.
func NewRegionMessage(rm api.RegionMapper, r *shm.Region, offset, size int, messageID uint64, cb shm.RegionCallback) (*Message, error) {
	if r.Remote() {
		return nil, fmt.Errorf("region %d is not owned by this process", r.ID())
	}
	b := shm.RegionBlock{Handle: uint64(offset), Size: uint64(size), MessageID: messageID}
	data, err := r.Block(b)
	if err != nil || offset < 0 || size < 0 {
		return nil, fmt.Errorf("region message %d: invalid block [%d, +%d)", messageID, offset, size)
	}
	rm.SetRegionCallback(messageID, cb)
	return &Message{
		meta:    MetaHeader{Size: uint64(size), RegionID: r.ID(), MessageID: messageID, Handle: uint64(offset)},
		data:    data,
		regions: rm,
	}, nil
}

// Receive resolves a wire record produced by Wire in another process.
func Receive(ctx context.Context, a api.Allocator, rm api.RegionMapper, wire []byte) (*Message, error) {
	meta, err := DecodeMetaHeader(wire)
	if err != nil {
		return nil, err
	}
	msg := &Message{meta: meta, received: true, alloc: a, regions: rm}
	if meta.RegionID == 0 {
		o, err := a.Lookup(shm.Handle(meta.Handle))
		if err != nil {
			return nil, err
		}
		msg.owner = o
		msg.data = o.Data()
		return msg, nil
	}
	r, err := rm.GetRemoteRegion(ctx, meta.RegionID)
	if err != nil {
		return nil, err
	}
	msg.data, err = r.Block(shm.RegionBlock{Handle: meta.Handle, Size: meta.Size, MessageID: meta.MessageID})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Data returns the payload.
func (m *Message) Data() []byte { return m.data }

// Meta returns the metadata record.
func (m *Message) Meta() MetaHeader { return m.meta }

// Wire returns the record to send and hands the payload reference to the receivers.
func (m *Message) Wire() ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.received {
		return nil, errors.New("received message cannot be sent again")
	}
	m.sent = true
	return m.meta.Encode(), nil
}

// Close releases this side's interest in the payload. A sent message leaves
// the payload to its receivers; an unsent one frees it.
func (m *Message) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	switch {
	case m.received && m.meta.RegionID == 0:
		_, err := m.alloc.Release(m.owner.Handle())
		return err
	case m.received:
		return m.regions.SendAck(ctx, m.meta.RegionID, shm.RegionBlock{
			Handle:    m.meta.Handle,
			Size:      m.meta.Size,
			MessageID: m.meta.MessageID,
		})
	case m.sent:
		return nil
	case m.meta.RegionID == 0:
		for {
			destroyed, err := m.alloc.Release(m.owner.Handle())
			if err != nil || destroyed {
				return err
			}
		}
	default:
		m.regions.RemoveRegionCallback(m.meta.MessageID)
		return nil
	}
}
