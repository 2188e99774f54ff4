package gateway

import "context"

// Handler processes one inbound opcode. Handlers run on the connection's
// read goroutine, so a slow handler delays that connection's next frame
// and nothing else.
type Handler interface {
	Op() Opcode
	Handle(ctx context.Context, s *Server, c *Conn, f *Frame) error
}

// Dispatcher is filled at bootstrap and read-only afterwards.
type Dispatcher struct {
	handlers map[Opcode]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Opcode]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Op()] = h }

// Get returns nil for unknown opcodes; callers ignore those frames.
func (d *Dispatcher) Get(op Opcode) Handler { return d.handlers[op] }
