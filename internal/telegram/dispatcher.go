package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/jagc/internal/executor"
	"github.com/nextlevelbuilder/jagc/internal/runs"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/threads"
)

const (
	// maxImageBytes caps one decoded image.
	maxImageBytes int64 = 10 * 1024 * 1024
	// maxImagesPerMessage caps images accepted from a single update.
	maxImagesPerMessage = 10
	// pollStopTimeout bounds how long Stop waits for the poll goroutine,
	// so Telegram releases the getUpdates lock before a restart.
	pollStopTimeout = 10 * time.Second
)

// allowedImageMIME lists the image types accepted into the buffer.
var allowedImageMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// Dispatcher long-polls Telegram, authorizes senders and converts
// messages into run-service calls.
type Dispatcher struct {
	bot      *telego.Bot
	token    string
	runs     *runs.Service
	exec     *executor.Executor
	store    *store.Store
	delivery *Delivery
	registry *Registry
	logger   *slog.Logger
	httpc    *http.Client

	allowed map[string]struct{} // canonical user ids; empty = everyone

	mu        sync.Mutex
	steerMode map[string]bool // thread key -> steer default

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func NewDispatcher(bot *telego.Bot, token string, allowedUserIDs []string, runSvc *runs.Service, exec *executor.Executor, st *store.Store, delivery *Delivery, registry *Registry, logger *slog.Logger) *Dispatcher {
	allowed := make(map[string]struct{}, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Dispatcher{
		bot:       bot,
		token:     token,
		runs:      runSvc,
		exec:      exec,
		store:     st,
		delivery:  delivery,
		registry:  registry,
		logger:    logger,
		httpc:     &http.Client{Timeout: 60 * time.Second},
		allowed:   allowed,
		steerMode: make(map[string]bool),
	}
}

// Start begins long polling for updates.
func (d *Dispatcher) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	d.pollCancel = cancel
	d.pollDone = make(chan struct{})

	updates, err := d.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	d.logger.Info("telegram: bot connected", "username", d.bot.Username())

	go func() {
		defer close(d.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					d.logger.Info("telegram: updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					d.handleMessage(pollCtx, update)
				case update.CallbackQuery != nil:
					d.handleCallback(pollCtx, update.CallbackQuery)
				default:
					d.logger.Debug("telegram: update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling, waits for the poll goroutine and settles all
// in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.pollCancel != nil {
		d.pollCancel()
	}
	if d.pollDone != nil {
		select {
		case <-d.pollDone:
		case <-time.After(pollStopTimeout):
			d.logger.Warn("telegram: poll goroutine did not exit in time")
		}
	}
	d.registry.AbortAllAndWait()
	d.logger.Info("telegram: dispatcher stopped")
}

// authorized checks the sender against the allowlist. An empty allowlist
// admits everyone.
func (d *Dispatcher) authorized(userID int64) bool {
	if len(d.allowed) == 0 {
		return true
	}
	_, ok := d.allowed[fmt.Sprintf("%d", userID)]
	return ok
}

func (d *Dispatcher) handleMessage(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg.From == nil {
		return
	}
	if !d.authorized(msg.From.ID) {
		d.logger.Debug("telegram: unauthorized sender dropped",
			"user_id", msg.From.ID, "chat_id", msg.Chat.ID)
		return
	}

	topicID := 0
	if msg.Chat.IsForum {
		topicID = msg.MessageThreadID
	}
	route := threads.TelegramRoute{ChatID: msg.Chat.ID, TopicID: threads.NormalizeTelegramTopicID(topicID)}
	threadKey := threads.FromTelegramRoute(route)
	userKey := fmt.Sprintf("telegram:user:%d", msg.From.ID)

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	buffered := d.bufferImages(ctx, update, msg, threadKey, userKey)
	if buffered > 0 && text == "" {
		d.reply(ctx, route, "📎 Image received. Send a message to use it.")
		return
	}
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		d.handleCommand(ctx, route, threadKey, userKey, text)
		return
	}

	mode := store.DeliverFollowUp
	d.mu.Lock()
	if d.steerMode[threadKey] {
		mode = store.DeliverSteer
	}
	d.mu.Unlock()

	d.ingest(ctx, fmt.Sprintf("telegram:update:%d", update.UpdateID), route, threadKey, userKey, text, mode)
}

// ingest hands the message to the run service and starts its delivery.
// An empty idempotency key lets the store synthesize one.
func (d *Dispatcher) ingest(ctx context.Context, idempotencyKey string, route threads.TelegramRoute, threadKey, userKey, text string, mode store.DeliveryMode) {
	run, deduplicated, err := d.runs.IngestMessage(ctx, runs.IngestParams{
		Source:         "telegram",
		ThreadKey:      threadKey,
		UserKey:        userKey,
		Text:           text,
		DeliveryMode:   mode,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		d.logger.Error("telegram: ingest failed", "thread_key", threadKey, "error", err)
		d.reply(ctx, route, "❌ "+truncate(err.Error(), failureTextLimit))
		return
	}
	if deduplicated {
		d.logger.Debug("telegram: duplicate message ignored", "run_id", run.RunID)
		return
	}
	d.delivery.Watch(route, run.RunID, threadKey)
}

// bufferImages persists the update's images for the sender's next text
// message. Returns how many were stored.
func (d *Dispatcher) bufferImages(ctx context.Context, update telego.Update, msg *telego.Message, threadKey, userKey string) int {
	images := d.collectImages(ctx, msg)
	if len(images) == 0 {
		return 0
	}
	if len(images) > maxImagesPerMessage {
		images = images[:maxImagesPerMessage]
	}

	result, err := d.store.BufferTelegramImages(ctx,
		store.ImageScope{ThreadKey: threadKey, UserKey: userKey},
		int64(update.UpdateID), msg.MediaGroupID, images)
	if err != nil {
		if errors.Is(err, store.ErrTelegramUpdateDuplicate) {
			d.logger.Debug("telegram: duplicate image update", "update_id", update.UpdateID)
			return 0
		}
		d.logger.Error("telegram: buffering images failed", "update_id", update.UpdateID, "error", err)
		return 0
	}
	d.logger.Info("telegram: images buffered",
		"thread_key", threadKey, "count", result.Inserted, "bytes", result.TotalBytes)
	return result.Inserted
}

// collectImages downloads the message's photo (largest size) or image
// document, enforcing MIME and size caps.
func (d *Dispatcher) collectImages(ctx context.Context, msg *telego.Message) []store.RunImage {
	var images []store.RunImage

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if data, err := d.downloadFile(ctx, photo.FileID); err != nil {
			d.logger.Warn("telegram: photo download failed", "file_id", photo.FileID, "error", err)
		} else {
			images = append(images, store.RunImage{MimeType: "image/jpeg", Data: data})
		}
	}

	if doc := msg.Document; doc != nil && allowedImageMIME[doc.MimeType] {
		if int64(doc.FileSize) > maxImageBytes {
			d.logger.Warn("telegram: image document too large",
				"file_id", doc.FileID, "bytes", doc.FileSize)
		} else if data, err := d.downloadFile(ctx, doc.FileID); err != nil {
			d.logger.Warn("telegram: document download failed", "file_id", doc.FileID, "error", err)
		} else {
			images = append(images, store.RunImage{
				MimeType: doc.MimeType,
				Data:     data,
				Filename: doc.FileName,
			})
		}
	}
	return images
}

func (d *Dispatcher) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := d.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxImageBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxImageBytes)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", d.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > maxImageBytes {
		return nil, fmt.Errorf("file exceeds max size during download")
	}
	return data, nil
}

func (d *Dispatcher) reply(ctx context.Context, route threads.TelegramRoute, text string) {
	err := callWithRetry(ctx, d.logger, "sendMessage", func() error {
		msg := tu.Message(tu.ID(route.ChatID), text)
		if route.TopicID > 0 {
			msg.MessageThreadID = route.TopicID
		}
		_, err := d.bot.SendMessage(ctx, msg)
		return err
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("telegram: reply failed", "chat_id", route.ChatID, "error", err)
	}
}
