package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CodesWhat/concord-sub001/service/session"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Conn is one accepted socket. All outbound frames go through a bounded
// queue drained by writeLoop, the only goroutine that writes to ws.
type Conn struct {
	id        string
	ws        *websocket.Conn
	creds     session.Credentials
	remote    string
	createdAt time.Time
	writeWait time.Duration
	limiter   *rate.Limiter

	send    chan []byte
	closing chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	seq        uint64
	closed     bool
	closeCode  int
	closeText  string
	userID     string
	identified bool

	identifying atomic.Bool
	lastBeat    atomic.Int64 // unix nano
}

type connOptions struct {
	queue     int
	writeWait time.Duration
	perMin    int
	burst     int
	now       time.Time
}

func newConn(id string, ws *websocket.Conn, creds session.Credentials, o connOptions) *Conn {
	c := &Conn{
		id:        id,
		ws:        ws,
		creds:     creds,
		createdAt: o.now,
		writeWait: o.writeWait,
		send:      make(chan []byte, o.queue),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	if ws != nil {
		c.remote = ws.RemoteAddr().String()
	}
	if o.perMin > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(o.perMin)/60), o.burst)
	}
	c.lastBeat.Store(o.now.UnixNano())
	return c
}

func (c *Conn) ID() string                       { return c.id }
func (c *Conn) Remote() string                   { return c.remote }
func (c *Conn) CreatedAt() time.Time             { return c.createdAt }
func (c *Conn) Credentials() session.Credentials { return c.creds }

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) Identified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identified
}

func (c *Conn) markIdentified(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.identified = true
	c.mu.Unlock()
}

// BeginIdentify claims the single identify attempt allowed per connection.
func (c *Conn) BeginIdentify() bool {
	return c.identifying.CompareAndSwap(false, true)
}

func (c *Conn) IdentifyStarted() bool { return c.identifying.Load() }

func (c *Conn) Touch(now time.Time) { c.lastBeat.Store(now.UnixNano()) }

func (c *Conn) LastHeartbeat() time.Time { return time.Unix(0, c.lastBeat.Load()) }

func (c *Conn) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once the writer has torn down the socket.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Send queues a non-event frame. It reports false if the connection is not
// writable (closed or queue full).
func (c *Conn) Send(f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// SendEvent stamps the next sequence number and queues an EVENT frame.
// The counter only advances when the frame is queued, so delivered
// sequence numbers never have gaps.
func (c *Conn) SendEvent(event string, data json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	next := c.seq + 1
	b, err := json.Marshal(Frame{Op: OpEvent, T: event, S: next, D: data})
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		c.seq = next
		return true
	default:
		return false
	}
}

// Close asks the writer to send a close frame with code and tear the socket
// down. Only the first call has any effect.
func (c *Conn) Close(code int, text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	c.mu.Unlock()
	close(c.closing)
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closing:
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			if code > 0 && code != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(code, text)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			}
			return
		}
	}
}
