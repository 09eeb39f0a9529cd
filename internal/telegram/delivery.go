package telegram

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/jagc/internal/runs"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/threads"
)

const (
	// failureTextLimit truncates failure messages shown in chat.
	failureTextLimit = 180
	// editInterval paces in-place progress edits per delivery.
	editInterval = 1500 * time.Millisecond
)

// Delivery drives the chat-side life of a run: progress placeholder,
// rate-limited edits while the run streams, and the final rendered
// message with attachments.
type Delivery struct {
	bot      *telego.Bot
	runs     *runs.Service
	registry *Registry
	logger   *slog.Logger
	limit    int
}

func NewDelivery(bot *telego.Bot, runSvc *runs.Service, registry *Registry, logger *slog.Logger) *Delivery {
	return &Delivery{
		bot:      bot,
		runs:     runSvc,
		registry: registry,
		logger:   logger,
		limit:    MessageLimit,
	}
}

// Watch registers a background delivery task for the run.
func (d *Delivery) Watch(route threads.TelegramRoute, runID, threadKey string) {
	d.registry.Register(runID, threadKey, func(ctx context.Context) {
		d.deliver(ctx, route, runID)
	})
}

// DeliverTaskRun routes a scheduled task's run back to its chat.
func (d *Delivery) DeliverTaskRun(task *store.ScheduledTask, runID string) {
	route, err := threads.TelegramRouteFromKey(task.Delivery.Route)
	if err != nil {
		d.logger.Warn("telegram: undeliverable task route",
			"task_id", task.TaskID, "route", task.Delivery.Route, "error", err)
		return
	}
	d.Watch(route, runID, task.Delivery.Route)
}

// progressTracker coalesces events: the latest non-terminal event wins
// when edits cannot keep up.
type progressTracker struct {
	mu     sync.Mutex
	latest runs.ProgressEvent
	ready  chan struct{}
}

func (t *progressTracker) push(ev runs.ProgressEvent) {
	t.mu.Lock()
	t.latest = ev
	t.mu.Unlock()
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *progressTracker) take() runs.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

func (d *Delivery) deliver(ctx context.Context, route threads.TelegramRoute, runID string) {
	tracker := &progressTracker{ready: make(chan struct{}, 1)}
	unsubscribe := d.runs.SubscribeRunProgress(runID, tracker.push)
	defer unsubscribe()

	progressID, err := d.sendProgress(ctx, route)
	if err != nil {
		d.logger.Warn("telegram: progress message failed", "run_id", runID, "error", err)
	}

	// The run may have finished before we subscribed.
	if run, loadErr := d.runs.GetRun(ctx, runID); loadErr == nil && run.Status.Terminal() {
		tracker.push(terminalEvent(run))
	}

	limiter := rate.NewLimiter(rate.Every(editInterval), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tracker.ready:
		}

		ev := tracker.take()
		if ev.Terminal() {
			d.finish(ctx, route, progressID, ev)
			return
		}
		if progressID != 0 && limiter.Allow() {
			d.editText(ctx, route, progressID, progressText(ev))
		}
	}
}

func terminalEvent(run *store.Run) runs.ProgressEvent {
	if run.Status == store.RunFailed {
		return runs.ProgressEvent{Kind: runs.ProgressFailed, RunID: run.RunID, ErrorMessage: run.ErrorMessage}
	}
	return runs.ProgressEvent{Kind: runs.ProgressSucceeded, RunID: run.RunID, Output: run.Output}
}

func progressText(ev runs.ProgressEvent) string {
	switch ev.Kind {
	case runs.ProgressStarted:
		return "🤖 Running..."
	default:
		return "⏳ Queued..."
	}
}

// finish replaces the progress message with the run's result.
func (d *Delivery) finish(ctx context.Context, route threads.TelegramRoute, progressID int, ev runs.ProgressEvent) {
	switch {
	case ev.Kind == runs.ProgressFailed:
		d.conclude(ctx, route, progressID, "❌ "+truncate(ev.ErrorMessage, failureTextLimit))

	case ev.Output == nil || ev.Output.Text == "":
		d.conclude(ctx, route, progressID, "Run succeeded with no output.")

	default:
		rendered := RenderMessage(ev.Output.Text, d.limit)
		if len(rendered.Chunks) == 0 {
			d.conclude(ctx, route, progressID, "Run succeeded with no output.")
		} else {
			d.conclude(ctx, route, progressID, rendered.Chunks[0])
			for _, chunk := range rendered.Chunks[1:] {
				d.sendText(ctx, route, chunk)
			}
		}
		for _, att := range rendered.Attachments {
			d.sendDocument(ctx, route, att)
		}
	}
}

// conclude edits the progress message into the final text, or sends a
// fresh message when there is no placeholder to edit.
func (d *Delivery) conclude(ctx context.Context, route threads.TelegramRoute, progressID int, text string) {
	if progressID != 0 {
		d.editText(ctx, route, progressID, text)
		return
	}
	d.sendText(ctx, route, text)
}

func (d *Delivery) sendProgress(ctx context.Context, route threads.TelegramRoute) (int, error) {
	var messageID int
	err := callWithRetry(ctx, d.logger, "sendMessage", func() error {
		msg := tu.Message(tu.ID(route.ChatID), "⏳ Queued...")
		if route.TopicID > 0 {
			msg.MessageThreadID = route.TopicID
		}
		sent, err := d.bot.SendMessage(ctx, msg)
		if err != nil {
			return err
		}
		messageID = sent.MessageID
		return nil
	})
	return messageID, err
}

func (d *Delivery) sendText(ctx context.Context, route threads.TelegramRoute, text string) {
	err := callWithRetry(ctx, d.logger, "sendMessage", func() error {
		msg := tu.Message(tu.ID(route.ChatID), text)
		if route.TopicID > 0 {
			msg.MessageThreadID = route.TopicID
		}
		_, err := d.bot.SendMessage(ctx, msg)
		return err
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("telegram: send failed", "chat_id", route.ChatID, "error", err)
	}
}

func (d *Delivery) editText(ctx context.Context, route threads.TelegramRoute, messageID int, text string) {
	err := callWithRetry(ctx, d.logger, "editMessageText", func() error {
		_, err := d.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(route.ChatID),
			MessageID: messageID,
			Text:      text,
		})
		return err
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("telegram: edit failed", "chat_id", route.ChatID, "message_id", messageID, "error", err)
	}
}

func (d *Delivery) sendDocument(ctx context.Context, route threads.TelegramRoute, att Attachment) {
	err := callWithRetry(ctx, d.logger, "sendDocument", func() error {
		doc := &telego.SendDocumentParams{
			ChatID:   tu.ID(route.ChatID),
			Document: tu.File(tu.NameReader(bytes.NewReader(att.Data), att.Filename)),
		}
		if route.TopicID > 0 {
			doc.MessageThreadID = route.TopicID
		}
		_, err := d.bot.SendDocument(ctx, doc)
		return err
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("telegram: document failed", "chat_id", route.ChatID, "filename", att.Filename, "error", err)
	}
}

// truncate shortens s to at most n bytes plus an ellipsis, cutting on a
// rune boundary so multi-byte text never becomes invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
