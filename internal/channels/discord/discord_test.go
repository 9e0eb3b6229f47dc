package discord

import (
	"context"
	"sync"
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
)

// TestInboundGate_ShutdownDuringSends closes the stream while handler
// goroutines are still delivering; no send may hit the closed channel.
func TestInboundGate_ShutdownDuringSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := &inboundGate{out: make(chan bus.MsgContext, 4)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range gate.out {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				gate.send(ctx, bus.MsgContext{Provider: "discord", Body: "hi"})
			}
		}()
	}

	cancel()
	gate.shutdown()
	wg.Wait()
	<-done
}

// TestInboundGate_DropsAfterShutdown verifies sends after shutdown return
// without delivering.
func TestInboundGate_DropsAfterShutdown(t *testing.T) {
	gate := &inboundGate{out: make(chan bus.MsgContext, 1)}
	gate.shutdown()
	gate.send(context.Background(), bus.MsgContext{Body: "late"})
	if _, ok := <-gate.out; ok {
		t.Error("received a message after shutdown")
	}
}
