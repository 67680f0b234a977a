package wisp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/rickgao/doge-gateway/internal/netguard"
)

const writeTimeout = 10 * time.Second

// session is one client WebSocket and the streams multiplexed over it.
type session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	slots  *semaphore.Weighted

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*stream
}

func newSession(s *Server, conn *websocket.Conn) *session {
	return &session{
		id:      uuid.NewString(),
		server:  s,
		conn:    conn,
		slots:   semaphore.NewWeighted(int64(s.cfg.MaxStreams)),
		streams: make(map[uint32]*stream),
	}
}

// run announces the buffer size, then reads packets until the socket fails.
func (se *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer se.conn.Close()
	defer se.closeAll()

	if err := se.send(ContinuePacket(0, uint32(se.server.cfg.BufferSize))); err != nil {
		return
	}

	for {
		kind, data, err := se.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				se.server.logger.Debug("wisp session read failed", "session", se.id, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		pkt, err := DecodePacket(data)
		if err != nil {
			se.server.logger.Debug("wisp malformed packet", "session", se.id, "error", err)
			continue
		}
		se.handle(ctx, pkt)
	}
}

func (se *session) handle(ctx context.Context, pkt Packet) {
	switch pkt.Type {
	case TypeConnect:
		se.connect(ctx, pkt)
	case TypeData:
		if st := se.stream(pkt.StreamID); st != nil {
			st.enqueue(pkt.Payload)
		}
	case TypeClose:
		if st := se.stream(pkt.StreamID); st != nil {
			reason, _ := pkt.Close()
			st.close(reason, false)
		}
	case TypeContinue:
		// Clients do not grant credit to the server.
	default:
		se.server.logger.Debug("wisp unknown packet type", "session", se.id, "type", pkt.Type)
	}
}

func (se *session) connect(ctx context.Context, pkt Packet) {
	id := pkt.StreamID
	cfg := se.server.cfg

	req, err := pkt.Connect()
	if err != nil || id == 0 || req.Hostname == "" || req.Port == 0 {
		se.reject(id, ReasonInvalid)
		return
	}

	var network string
	switch req.StreamType {
	case StreamTCP:
		network = "tcp"
	case StreamUDP:
		if !cfg.AllowUDP {
			se.reject(id, ReasonBlocked)
			return
		}
		network = "udp"
	default:
		se.reject(id, ReasonInvalid)
		return
	}

	if !cfg.AllowPrivate {
		if err := netguard.CheckHost(req.Hostname); err != nil {
			se.reject(id, ReasonBlocked)
			return
		}
	}

	if !se.slots.TryAcquire(1) {
		se.reject(id, ReasonThrottled)
		return
	}

	se.mu.Lock()
	if _, dup := se.streams[id]; dup {
		se.mu.Unlock()
		se.slots.Release(1)
		se.reject(id, ReasonInvalid)
		return
	}
	st := newStream(se, id, req.StreamType, cfg.BufferSize)
	se.streams[id] = st
	se.mu.Unlock()

	address := net.JoinHostPort(req.Hostname, strconv.Itoa(int(req.Port)))
	se.server.logger.Debug("wisp stream open", "session", se.id, "stream", id, "network", network, "address", address)
	go st.run(ctx, network, address)
}

// reject answers a CONNECT that never became a stream.
func (se *session) reject(id uint32, reason Reason) {
	recordClose(reason)
	se.send(ClosePacket(id, reason))
}

func (se *session) stream(id uint32) *stream {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.streams[id]
}

func (se *session) remove(id uint32) {
	se.mu.Lock()
	delete(se.streams, id)
	se.mu.Unlock()
	se.slots.Release(1)
}

func (se *session) closeAll() {
	se.mu.Lock()
	open := make([]*stream, 0, len(se.streams))
	for _, st := range se.streams {
		open = append(open, st)
	}
	se.mu.Unlock()

	for _, st := range open {
		st.close(ReasonUnknown, false)
	}
}

// send writes one packet. Writes from all streams are serialized here.
func (se *session) send(p Packet) error {
	se.writeMu.Lock()
	defer se.writeMu.Unlock()
	se.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return se.conn.WriteMessage(websocket.BinaryMessage, p.Encode())
}

// dialReason maps a dial failure to a CLOSE reason.
func dialReason(err error) Reason {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, netguard.ErrBlocked):
		return ReasonBlocked
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.As(err, &dnsErr):
		return ReasonUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	}
	return ReasonUnreachable
}
