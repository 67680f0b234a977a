package bare

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/doge-gateway/internal/metrics"
	"github.com/rickgao/doge-gateway/internal/netguard"
)

// connectPacket is the first frame a client sends on a relay socket.
type connectPacket struct {
	Type           string            `json:"type"`
	Remote         string            `json:"remote"`
	Protocols      []string          `json:"protocols"`
	Headers        map[string]string `json:"headers"`
	ForwardHeaders []string          `json:"forwardHeaders"`
}

// openPacket answers a successful connect.
type openPacket struct {
	Type       string   `json:"type"`
	Protocol   string   `json:"protocol"`
	SetCookies []string `json:"setCookies"`
}

// connectTimeout bounds how long a client may wait before sending connect.
const connectTimeout = 30 * time.Second

// ServeUpgrade relays a WebSocket between the client and a remote server.
func (s *Server) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.service(r) != "/v3/" {
		addCORS(w.Header())
		writeError(w, errNotFound)
		return
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Debug("bare websocket upgrade failed", "error", err)
		return
	}
	defer client.Close()

	if err := s.relaySocket(r, client); err != nil {
		metrics.BareRequests.WithLabelValues("SOCKET_ERROR").Inc()
		s.logger.Debug("bare websocket relay failed", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, truncateReason(err.Error()))
		client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}

func (s *Server) relaySocket(r *http.Request, client *websocket.Conn) error {
	client.SetReadDeadline(time.Now().Add(connectTimeout))
	kind, data, err := client.ReadMessage()
	if err != nil {
		return fmt.Errorf("read connect packet: %w", err)
	}
	client.SetReadDeadline(time.Time{})
	if kind != websocket.TextMessage {
		return errors.New("first frame was not text")
	}

	var pkt connectPacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		return fmt.Errorf("decode connect packet: %w", err)
	}
	if pkt.Type != "connect" {
		return fmt.Errorf("expected connect packet, got %q", pkt.Type)
	}

	remoteURL, err := url.Parse(pkt.Remote)
	if err != nil || (remoteURL.Scheme != "ws" && remoteURL.Scheme != "wss") {
		return fmt.Errorf("invalid remote %q", pkt.Remote)
	}
	if !s.cfg.AllowPrivate {
		if err := netguard.CheckHost(remoteURL.Hostname()); err != nil {
			return err
		}
	}

	headers := make(http.Header)
	for name, value := range pkt.Headers {
		headers.Set(name, value)
	}
	forward(pkt.ForwardHeaders, r.Header, headers)
	for _, name := range []string{"Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol"} {
		headers.Del(name)
	}

	dialer := *s.dialer
	dialer.Subprotocols = pkt.Protocols
	remote, resp, err := dialer.DialContext(r.Context(), remoteURL.String(), headers)
	if err != nil {
		return fmt.Errorf("dial remote: %w", err)
	}
	defer remote.Close()

	open := openPacket{
		Type:       "open",
		Protocol:   remote.Subprotocol(),
		SetCookies: resp.Header.Values("Set-Cookie"),
	}
	if open.SetCookies == nil {
		open.SetCookies = []string{}
	}
	if err := client.WriteJSON(open); err != nil {
		return fmt.Errorf("send open packet: %w", err)
	}
	metrics.BareRequests.WithLabelValues("ok").Inc()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pump(remote, client, "remote")
	}()
	s.pump(client, remote, "client")
	remote.Close()
	client.Close()
	<-done
	return nil
}

// pump copies frames from src to dst until either side fails, then closes
// both so the opposite pump stops too.
func (s *Server) pump(src, dst *websocket.Conn, from string) {
	defer src.Close()
	defer dst.Close()
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("bare websocket read failed", "from", from, "error", err)
			}
			return
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			s.logger.Debug("bare websocket write failed", "from", from, "error", err)
			return
		}
	}
}

// truncateReason keeps a close reason within the 123 byte control frame limit.
func truncateReason(s string) string {
	if len(s) > 123 {
		return s[:123]
	}
	return s
}
