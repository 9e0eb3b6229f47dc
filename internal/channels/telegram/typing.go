package telegram

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// typingRefresh is how often the "typing" chat action is re-sent; Telegram
// expires it after roughly five seconds.
const typingRefresh = 4 * time.Second

// TypingController shows the typing indicator while a run is dispatching.
type TypingController struct {
	adapter *Adapter
	to      string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (t *TypingController) OnReplyStart() {}

// StartTypingLoop sends the typing action on a refresh cadence until the
// dispatcher goes idle.
func (t *TypingController) StartTypingLoop(ctx context.Context) {
	chatID, err := strconv.ParseInt(t.to, 10, 64)
	if err != nil {
		return
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		send := func() {
			t.adapter.bot.SendChatAction(loopCtx, &telego.SendChatActionParams{
				ChatID: tu.ID(chatID),
				Action: telego.ChatActionTyping,
			})
		}
		send()
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}()
}

// MarkDispatchIdle stops the typing loop.
func (t *TypingController) MarkDispatchIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Cleanup stops any running loop.
func (t *TypingController) Cleanup() {
	t.MarkDispatchIdle()
}
