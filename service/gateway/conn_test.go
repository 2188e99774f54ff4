package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/CodesWhat/concord-sub001/service/session"
)

func TestSendEventSequence(t *testing.T) {
	c := testConn("c1")
	for i := 0; i < 5; i++ {
		if !c.SendEvent("TYPING_START", json.RawMessage(`{}`)) {
			t.Fatal("send failed")
		}
	}
	drain(t, c)
	if c.Sequence() != 5 {
		t.Fatalf("Sequence() = %d", c.Sequence())
	}

	c.SendEvent(EventMessageCreate, json.RawMessage(`{"text":"hi"}`))
	frames := drain(t, c)
	if len(frames) != 1 {
		t.Fatalf("frames = %v", frames)
	}
	f := frames[0]
	if f.Op != OpEvent || f.T != EventMessageCreate || f.S != 6 || string(f.D) != `{"text":"hi"}` {
		t.Fatalf("frame = %+v d=%s", f, f.D)
	}
}

func TestFullQueueDropsWithoutGap(t *testing.T) {
	c := newConn("c1", nil, session.Credentials{}, connOptions{queue: 2, now: time.Now()})
	c.SendEvent("E", nil)
	c.SendEvent("E", nil)
	if c.SendEvent("E", nil) {
		t.Fatal("third send should be dropped")
	}
	drain(t, c)
	c.SendEvent("E", nil)
	frames := drain(t, c)
	if len(frames) != 1 || frames[0].S != 3 {
		t.Fatalf("next sequence after drop = %+v", frames)
	}
}

func TestClosedConnNotWritable(t *testing.T) {
	c := testConn("c1")
	c.Close(CloseShutdown, "bye")
	c.Close(CloseAuthFailed, "again")
	if c.SendEvent("E", nil) || c.Send(Frame{Op: OpHeartbeatAck}) {
		t.Fatal("closed connection accepted a frame")
	}
	if c.closeCode != CloseShutdown {
		t.Fatalf("close code = %d, first Close must win", c.closeCode)
	}
}

func TestConcurrentSendsGapFree(t *testing.T) {
	c := newConn("c1", nil, session.Credentials{}, connOptions{queue: 1024, now: time.Now()})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.SendEvent("E", nil)
			}
		}()
	}
	wg.Wait()
	frames := drain(t, c)
	if len(frames) != 800 {
		t.Fatalf("got %d frames", len(frames))
	}
	for i, f := range frames {
		if f.S != uint64(i+1) {
			t.Fatalf("frame %d has s=%d", i, f.S)
		}
	}
}

func TestBeginIdentifyOnce(t *testing.T) {
	c := testConn("c1")
	if !c.BeginIdentify() {
		t.Fatal("first attempt must win")
	}
	if c.BeginIdentify() {
		t.Fatal("second attempt must be refused")
	}
}

func TestRateLimit(t *testing.T) {
	c := newConn("c1", nil, session.Credentials{}, connOptions{queue: 1, perMin: 60, burst: 3, now: time.Now()})
	allowed := 0
	for i := 0; i < 10; i++ {
		if c.allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed %d frames, want burst of 3", allowed)
	}
}
