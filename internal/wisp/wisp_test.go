package wisp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/doge-gateway/internal/config"
)

func TestPacketRoundTrip(t *testing.T) {
	pkt := ConnectPacket(7, ConnectPayload{StreamType: StreamTCP, Port: 443, Hostname: "example.com"})
	raw := pkt.Encode()

	want := []byte{0x01, 7, 0, 0, 0, 0x01, 0xbb, 0x01}
	if !bytes.Equal(raw[:8], want) {
		t.Fatalf("header bytes = % x, want % x", raw[:8], want)
	}

	got, err := DecodePacket(raw)
	if err != nil {
		t.Fatal(err)
	}
	c, err := got.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamID != 7 || c.Port != 443 || c.Hostname != "example.com" || c.StreamType != StreamTCP {
		t.Errorf("decoded %+v %+v", got, c)
	}

	if n, _ := ContinuePacket(0, 128).Continue(); n != 128 {
		t.Errorf("Continue() = %d, want 128", n)
	}
	if r, _ := ClosePacket(3, ReasonRefused).Close(); r != ReasonRefused {
		t.Errorf("Close() = %v, want refused", r)
	}
}

func TestDecodePacket_Short(t *testing.T) {
	if _, err := DecodePacket([]byte{0x02, 0, 0}); !errors.Is(err, ErrShortPacket) {
		t.Errorf("err = %v, want ErrShortPacket", err)
	}
	if _, err := (Packet{Type: TypeConnect}).Connect(); !errors.Is(err, ErrShortPayload) {
		t.Errorf("err = %v, want ErrShortPayload", err)
	}
}

// startEcho runs a TCP echo server and returns its port.
func startEcho(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func testConfig() config.WispConfig {
	cfg := config.Default().Wisp
	cfg.AllowPrivate = true
	cfg.DialTimeout = 2 * time.Second
	return cfg
}

// connect starts a wisp server with cfg and returns a connected client.
func connect(t *testing.T, cfg config.WispConfig, opts ...Option) *Client {
	t.Helper()
	srv := NewServer(cfg, opts...)
	front := httptest.NewServer(http.HandlerFunc(srv.ServeUpgrade))
	t.Cleanup(front.Close)

	ccfg := DefaultClientConfig()
	ccfg.URL = "ws" + strings.TrimPrefix(front.URL, "http") + cfg.Suffix
	c := NewClient(ccfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readFull(t *testing.T, st *Stream, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(st, buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading stream")
	}
	return buf
}

func expectClose(t *testing.T, st *Stream, want Reason) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := st.Read(make([]byte, 1))
		done <- err
	}()
	select {
	case err := <-done:
		var ce *CloseError
		if !errors.As(err, &ce) || ce.Reason != want {
			t.Fatalf("read error = %v, want close %v", err, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for close %v", want)
	}
}

func TestHandshakeAnnouncesBufferSize(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 64
	c := connect(t, cfg)

	if c.BufferSize() != 64 {
		t.Errorf("BufferSize() = %d, want 64", c.BufferSize())
	}
}

func TestTCPEcho(t *testing.T) {
	port := startEcho(t)
	c := connect(t, testConfig())

	st, err := c.Dial("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if _, err := st.Write([]byte("hello wisp")); err != nil {
		t.Fatal(err)
	}
	if got := readFull(t, st, len("hello wisp")); string(got) != "hello wisp" {
		t.Errorf("echo = %q", got)
	}
}

func TestTCPFlowControl(t *testing.T) {
	port := startEcho(t)
	cfg := testConfig()
	cfg.BufferSize = 4
	c := connect(t, cfg)

	st, err := c.Dial("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	// More packets than the initial credit; Write blocks until CONTINUE.
	const packets = 50
	var want bytes.Buffer
	go func() {
		for i := 0; i < packets; i++ {
			st.Write([]byte(fmt.Sprintf("%03d;", i)))
		}
	}()
	for i := 0; i < packets; i++ {
		fmt.Fprintf(&want, "%03d;", i)
	}

	if got := readFull(t, st, want.Len()); !bytes.Equal(got, want.Bytes()) {
		t.Errorf("echo mismatch:\n got %q\nwant %q", got, want.Bytes())
	}
}

func TestRemoteCloseReadsEOF(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye"))
		conn.Close()
	}()

	c := connect(t, testConfig())
	st, err := c.Dial("127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("got %q, want bye", got)
	}
}

func TestConnectFailures(t *testing.T) {
	refused, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	refusedPort := uint16(refused.Addr().(*net.TCPAddr).Port)
	refused.Close()

	t.Run("refused", func(t *testing.T) {
		c := connect(t, testConfig())
		st, err := c.Dial("127.0.0.1", refusedPort)
		if err != nil {
			t.Fatal(err)
		}
		expectClose(t, st, ReasonRefused)
	})

	t.Run("private destination blocked", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowPrivate = false
		c := connect(t, cfg)
		st, err := c.Dial("127.0.0.1", 22)
		if err != nil {
			t.Fatal(err)
		}
		expectClose(t, st, ReasonBlocked)
	})

	t.Run("invalid port", func(t *testing.T) {
		c := connect(t, testConfig())
		st, err := c.Dial("127.0.0.1", 0)
		if err != nil {
			t.Fatal(err)
		}
		expectClose(t, st, ReasonInvalid)
	})

	t.Run("udp disabled", func(t *testing.T) {
		c := connect(t, testConfig())
		st, err := c.DialUDP("127.0.0.1", 53)
		if err != nil {
			t.Fatal(err)
		}
		expectClose(t, st, ReasonBlocked)
	})

	t.Run("dial timeout", func(t *testing.T) {
		slow := func(ctx context.Context, network, address string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		cfg := testConfig()
		cfg.DialTimeout = 50 * time.Millisecond
		c := connect(t, cfg, WithDialer(slow))
		st, err := c.Dial("example.com", 80)
		if err != nil {
			t.Fatal(err)
		}
		expectClose(t, st, ReasonTimeout)
	})
}

func TestMaxStreams(t *testing.T) {
	port := startEcho(t)
	cfg := testConfig()
	cfg.MaxStreams = 1
	c := connect(t, cfg)

	first, err := c.Dial("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	first.Write([]byte("x"))
	readFull(t, first, 1)

	second, err := c.Dial("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	expectClose(t, second, ReasonThrottled)

	// Closing the first stream frees its slot.
	first.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		third, err := c.Dial("127.0.0.1", port)
		if err != nil {
			t.Fatal(err)
		}
		third.Write([]byte("y"))
		buf := make([]byte, 1)
		if _, err := third.Read(buf); err == nil && buf[0] == 'y' {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("slot was never released")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUDPStream(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()

	cfg := testConfig()
	cfg.AllowUDP = true
	c := connect(t, cfg)

	st, err := c.DialUDP("127.0.0.1", uint16(pc.LocalAddr().(*net.UDPAddr).Port))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	st.Write([]byte("ping"))
	if got := readFull(t, st, 4); string(got) != "ping" {
		t.Errorf("got %q, want ping", got)
	}
}
