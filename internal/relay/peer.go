package relay

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/PeeBee66/chittychattychat/internal/models"
)

// peer is one connected participant session.
type peer struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	encoder      *json.Encoder
	writeTimeout time.Duration
	closed       bool

	roomID        string
	participantID int64
	role          models.Role
}

func newPeer(conn *websocket.Conn, writeTimeout time.Duration, roomID string, p *models.Participant) *peer {
	return &peer{
		conn:          conn,
		encoder:       json.NewEncoder(conn),
		writeTimeout:  writeTimeout,
		roomID:        roomID,
		participantID: p.ID,
		role:          p.Role,
	}
}

// writeFrame sends a frame, dropping the connection when the peer cannot keep
// up within the write timeout.
func (p *peer) writeFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if err := p.encoder.Encode(frame); err != nil {
		p.closed = true
		_ = p.conn.Close()
		return err
	}
	return nil
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.Close()
}
