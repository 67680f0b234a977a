package wisp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rickgao/doge-gateway/internal/metrics"
)

// readSize is the largest DATA payload sent toward the client.
const readSize = 32 << 10

// stream is one TCP or UDP connection inside a session.
//
// Client DATA lands in queue; TCP streams grant more credit with CONTINUE
// each time half the buffer has been written out. The queue holds twice the
// advertised buffer so packets in flight during a grant still fit.
type stream struct {
	id         uint32
	kind       StreamType
	sess       *session
	bufferSize int
	queue      chan []byte

	done chan struct{}
	once sync.Once

	connMu sync.Mutex
	conn   net.Conn
}

func newStream(se *session, id uint32, kind StreamType, bufferSize int) *stream {
	metrics.WispStreams.Inc()
	return &stream{
		id:         id,
		kind:       kind,
		sess:       se,
		bufferSize: bufferSize,
		queue:      make(chan []byte, 2*bufferSize),
		done:       make(chan struct{}),
	}
}

// enqueue hands client data to the writer. A client that ignores its
// credit and overruns the queue loses the stream.
func (st *stream) enqueue(data []byte) {
	select {
	case st.queue <- data:
	case <-st.done:
	default:
		st.close(ReasonThrottled, true)
	}
}

// run dials the destination and pumps both directions until the stream ends.
func (st *stream) run(ctx context.Context, network, address string) {
	dialCtx, cancel := context.WithTimeout(ctx, st.sess.server.cfg.DialTimeout)
	conn, err := st.sess.server.dial(dialCtx, network, address)
	cancel()
	if err != nil {
		reason := dialReason(err)
		st.sess.server.logger.Debug("wisp dial failed",
			"session", st.sess.id,
			"stream", st.id,
			"address", address,
			"reason", reason,
			"error", err,
		)
		st.close(reason, true)
		return
	}

	st.connMu.Lock()
	select {
	case <-st.done:
		st.connMu.Unlock()
		conn.Close()
		return
	default:
	}
	st.conn = conn
	st.connMu.Unlock()

	go st.readLoop(conn)
	st.writeLoop(conn)
}

func (st *stream) writeLoop(conn net.Conn) {
	threshold := max(st.bufferSize/2, 1)
	drained := 0

	for {
		select {
		case <-st.done:
			return
		case data := <-st.queue:
			if _, err := conn.Write(data); err != nil {
				st.close(ReasonNetwork, true)
				return
			}
			if st.kind != StreamTCP {
				continue
			}
			drained++
			if drained < threshold {
				continue
			}
			drained = 0
			remaining := max(st.bufferSize-len(st.queue), 0)
			if err := st.sess.send(ContinuePacket(st.id, uint32(remaining))); err != nil {
				st.close(ReasonNetwork, false)
				return
			}
		}
	}
}

func (st *stream) readLoop(conn net.Conn) {
	buf := make([]byte, readSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := st.sess.send(DataPacket(st.id, buf[:n])); serr != nil {
				st.close(ReasonNetwork, false)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				st.close(ReasonVoluntary, true)
			} else {
				st.close(ReasonNetwork, true)
			}
			return
		}
	}
}

// close ends the stream once. notify sends CLOSE to the client; it is false
// when the client asked for the close or the session is gone.
func (st *stream) close(reason Reason, notify bool) {
	st.once.Do(func() {
		close(st.done)

		st.connMu.Lock()
		if st.conn != nil {
			st.conn.Close()
		}
		st.connMu.Unlock()

		st.sess.remove(st.id)
		metrics.WispStreams.Dec()
		recordClose(reason)

		if notify {
			st.sess.send(ClosePacket(st.id, reason))
		}
	})
}

func recordClose(reason Reason) {
	metrics.WispStreamCloses.WithLabelValues(reason.String()).Inc()
}
