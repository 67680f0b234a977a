package wisp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected  = errors.New("wisp: not connected")
	ErrAlreadyClosed = errors.New("wisp: already closed")
	ErrNoHandshake   = errors.New("wisp: server did not announce a buffer size")
)

// CloseError is returned by Stream reads and writes after the server closed
// the stream for any reason other than a voluntary close.
type CloseError struct {
	Reason Reason
}

func (e *CloseError) Error() string {
	return "wisp: stream closed: " + e.Reason.String()
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL          string        // ws:// or wss:// endpoint ending in the wisp suffix
	Header       http.Header   // extra handshake headers
	WriteTimeout time.Duration // deadline for each packet write
	DialTimeout  time.Duration // WebSocket handshake timeout
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout: 5 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// Client is one wisp session seen from the client side.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	connected  bool
	closed     bool
	bufferSize uint32
	nextID     uint32
	streams    map[uint32]*Stream
	done       chan struct{}
}

// NewClient creates a client. Call Connect before opening streams.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		nextID:  1,
		streams: make(map[uint32]*Stream),
		done:    make(chan struct{}),
	}
}

// Connect dials the server and waits for the initial CONTINUE.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		Subprotocols:     []string{"wisp-v1"},
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	pkt, err := DecodePacket(data)
	if err != nil || pkt.Type != TypeContinue || pkt.StreamID != 0 {
		conn.Close()
		return ErrNoHandshake
	}
	size, err := pkt.Continue()
	if err != nil {
		conn.Close()
		return ErrNoHandshake
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.bufferSize = size
	c.mu.Unlock()

	go c.readLoop()

	c.logger.Debug("wisp connected", "url", c.cfg.URL, "buffer_size", size)
	return nil
}

// BufferSize is the per-stream credit the server announced.
func (c *Client) BufferSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferSize
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close closes every stream and the session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

// Dial opens a TCP stream to host:port.
func (c *Client) Dial(host string, port uint16) (*Stream, error) {
	return c.open(StreamTCP, host, port)
}

// DialUDP opens a UDP stream to host:port. Each Write is one datagram.
func (c *Client) DialUDP(host string, port uint16) (*Stream, error) {
	return c.open(StreamUDP, host, port)
}

func (c *Client) open(kind StreamType, host string, port uint16) (*Stream, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.nextID
	c.nextID++
	st := newClientStream(c, id, kind, c.bufferSize)
	c.streams[id] = st
	c.mu.Unlock()

	if err := c.send(ConnectPacket(id, ConnectPayload{StreamType: kind, Port: port, Hostname: host})); err != nil {
		c.forget(id)
		return nil, err
	}
	return st, nil
}

func (c *Client) send(p Packet) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, p.Encode())
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Client) stream(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// readLoop demultiplexes server packets onto streams.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		open := make([]*Stream, 0, len(c.streams))
		for _, st := range c.streams {
			open = append(open, st)
		}
		c.mu.Unlock()
		for _, st := range open {
			st.finish(ReasonNetwork)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("wisp read failed", "error", err)
			}
			return
		}

		pkt, err := DecodePacket(data)
		if err != nil {
			continue
		}
		st := c.stream(pkt.StreamID)
		if st == nil {
			continue
		}

		switch pkt.Type {
		case TypeData:
			st.deliver(pkt.Payload)
		case TypeContinue:
			if n, err := pkt.Continue(); err == nil {
				st.grant(n)
			}
		case TypeClose:
			reason, _ := pkt.Close()
			st.finish(reason)
		}
	}
}

// Stream is a client-side wisp stream. It is safe for one reader and one
// writer at a time.
type Stream struct {
	id     uint32
	kind   StreamType
	client *Client

	mu      sync.Mutex
	cond    *sync.Cond
	credit  uint32
	pending [][]byte
	err     error
}

func newClientStream(c *Client, id uint32, kind StreamType, credit uint32) *Stream {
	st := &Stream{id: id, kind: kind, client: c, credit: credit}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// ID is the stream id.
func (st *Stream) ID() uint32 {
	return st.id
}

// Read returns data from the remote. A voluntary close reads as io.EOF.
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for len(st.pending) == 0 && st.err == nil {
		st.cond.Wait()
	}
	if len(st.pending) == 0 {
		return 0, st.err
	}

	n := copy(p, st.pending[0])
	if n == len(st.pending[0]) {
		st.pending = st.pending[1:]
	} else {
		st.pending[0] = st.pending[0][n:]
	}
	return n, nil
}

// Write sends p as one DATA packet, waiting for credit on TCP streams.
func (st *Stream) Write(p []byte) (int, error) {
	st.mu.Lock()
	for st.kind == StreamTCP && st.credit == 0 && st.err == nil {
		st.cond.Wait()
	}
	if st.err != nil {
		err := st.err
		st.mu.Unlock()
		return 0, err
	}
	if st.kind == StreamTCP {
		st.credit--
	}
	st.mu.Unlock()

	if err := st.client.send(DataPacket(st.id, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close tells the server the stream is done.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.err != nil {
		st.mu.Unlock()
		return nil
	}
	st.err = ErrAlreadyClosed
	st.cond.Broadcast()
	st.mu.Unlock()

	st.client.forget(st.id)
	return st.client.send(ClosePacket(st.id, ReasonVoluntary))
}

func (st *Stream) deliver(data []byte) {
	st.mu.Lock()
	st.pending = append(st.pending, data)
	st.cond.Broadcast()
	st.mu.Unlock()
}

func (st *Stream) grant(n uint32) {
	st.mu.Lock()
	st.credit = n
	st.cond.Broadcast()
	st.mu.Unlock()
}

func (st *Stream) finish(reason Reason) {
	st.mu.Lock()
	if st.err == nil {
		if reason == ReasonVoluntary {
			st.err = io.EOF
		} else {
			st.err = &CloseError{Reason: reason}
		}
	}
	st.cond.Broadcast()
	st.mu.Unlock()
	st.client.forget(st.id)
}
