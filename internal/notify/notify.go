// Package notify delivers operator-facing session events to a Telegram
// chat. It is outbound-only; the bot never polls for updates.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
}

// Telegram implements playback.Notifier. Notify is non-blocking: the
// message is queued and a single worker drains the queue, dropping the
// oldest entries under pressure rather than stalling a broadcast.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
	log  zerolog.Logger

	queue    chan string
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(cfg Config, log zerolog.Logger) (*Telegram, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	t := &Telegram{
		bot:    b,
		chat:   tele.ChatID(cfg.ChatID),
		log:    log,
		queue:  make(chan string, 16),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.worker()
	return t, nil
}

// Notify queues text for delivery. Safe on a nil receiver so callers can
// hold a disabled notifier without guarding.
func (t *Telegram) Notify(_ context.Context, text string) {
	if t == nil {
		return
	}
	for {
		select {
		case t.queue <- text:
			return
		case <-t.stopCh:
			return
		default:
		}
		// Queue full: drop the oldest message to make room.
		select {
		case <-t.queue:
		default:
		}
	}
}

func (t *Telegram) Close() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stopCh) })
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
	}
}

func (t *Telegram) worker() {
	defer close(t.done)
	for {
		select {
		case <-t.stopCh:
			return
		case text := <-t.queue:
			if _, err := t.bot.Send(t.chat, text); err != nil {
				t.log.Warn().Err(err).Msg("telegram send failed")
			}
		}
	}
}
