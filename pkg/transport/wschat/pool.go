package wschat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the subset of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ wsConn = &websocket.Conn{}

// ConnectionPool holds the websocket connections attached to one chat.
// Writes are serialized under the pool mutex; a connection that fails a write
// is dropped and closed.
type ConnectionPool struct {
	chatID       int64
	mu           sync.Mutex
	conns        map[wsConn]struct{}
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

func NewConnectionPool(chatID int64, writeTimeout, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		chatID:       chatID,
		conns:        map[wsConn]struct{}{},
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = closeConn(conn)
}

// Broadcast writes data to every connection and returns how many accepted it.
func (cp *ConnectionPool) Broadcast(data []byte) int {
	if cp == nil || len(data) == 0 {
		return 0
	}
	delivered := 0
	cp.mu.Lock()
	for conn := range cp.conns {
		if err := cp.writeLocked(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "wschat").Int64("chat_id", cp.chatID).Msg("ws write failed, dropping connection")
			delete(cp.conns, conn)
			_ = closeConn(conn)
			continue
		}
		delivered++
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	return delivered
}

// SendToOne writes data to conn if it still belongs to the pool.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) bool {
	if cp == nil || conn == nil || len(data) == 0 {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return false
	}
	if err := cp.writeLocked(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "wschat").Int64("chat_id", cp.chatID).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = closeConn(conn)
		cp.scheduleIdleTimerLocked()
		return false
	}
	return true
}

func (cp *ConnectionPool) writeLocked(conn wsConn, data []byte) error {
	if cp.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
