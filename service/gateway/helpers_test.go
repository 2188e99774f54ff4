package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/CodesWhat/concord-sub001/service/session"
)

func testConn(id string) *Conn {
	return newConn(id, nil, session.Credentials{}, connOptions{queue: 64, now: time.Now()})
}

// drain 取出已入队但尚未写出的帧
func drain(t *testing.T, c *Conn) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case b := <-c.send:
			var f Frame
			if err := json.Unmarshal(b, &f); err != nil {
				t.Fatalf("queued frame is not json: %v", err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func connIDs(conns []*Conn) map[string]bool {
	out := make(map[string]bool, len(conns))
	for _, c := range conns {
		out[c.ID()] = true
	}
	return out
}
