package packet

import (
	"io"
	"sync"

	corePPP "github.com/sun89/VpnTcpProxy/core/ppp"
)

// DefaultQueueLen is the inbound backlog of a QueueIO.
const DefaultQueueLen = 256

// QueueIO implements PacketIO for a tunnel. Inbound packets are queued by
// Deliver from the GRE receive path; outbound ones go to send.
type QueueIO struct {
	send   func(pkt []byte) error
	recvCh chan []byte
	done   chan struct{}
	once   sync.Once
}

var _ corePPP.PacketIO = (*QueueIO)(nil)

func NewQueueIO(send func(pkt []byte) error, queueLen int) *QueueIO {
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	return &QueueIO{
		send:   send,
		recvCh: make(chan []byte, queueLen),
		done:   make(chan struct{}),
	}
}

// Deliver queues a copy of pkt. It never blocks: when the stack is not
// keeping up the packet is dropped and false is returned.
func (q *QueueIO) Deliver(pkt []byte) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.recvCh <- append([]byte(nil), pkt...):
		return true
	default:
		return false
	}
}

func (q *QueueIO) SendPacket(pkt []byte) error {
	select {
	case <-q.done:
		return io.ErrClosedPipe
	default:
	}
	return q.send(pkt)
}

func (q *QueueIO) ReceivePacket() ([]byte, error) {
	select {
	case pkt := <-q.recvCh:
		return pkt, nil
	case <-q.done:
		return nil, io.EOF
	}
}

func (q *QueueIO) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
