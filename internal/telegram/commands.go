package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/threads"
)

const sessionResetReply = "✅ Session reset. Your next message will start a new pi session."

// modelChoices are the models offered on the settings panel.
var modelChoices = []struct {
	Provider string
	ModelID  string
	Label    string
}{
	{"anthropic", "claude-sonnet-4-5", "Sonnet"},
	{"anthropic", "claude-opus-4-1", "Opus"},
	{"openai", "gpt-5", "GPT-5"},
}

var thinkingLevels = []string{"off", "low", "medium", "high"}

var authProviders = []string{"anthropic", "openai"}

func (d *Dispatcher) handleCommand(ctx context.Context, route threads.TelegramRoute, threadKey, userKey, text string) {
	parts := strings.SplitN(text, " ", 2)
	cmd := strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])
	args := ""
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/start":
		d.reply(ctx, route, "👋 Send a message and I will run it against your coding agent.\nUse /help to see what else I can do.")

	case "/help":
		d.reply(ctx, route, strings.Join([]string{
			"Available commands:",
			"/settings — model, thinking level and steer mode",
			"/cancel — cancel the active run for this chat",
			"/new — start a fresh session",
			"/delete — discard the session",
			"/share — publish the session transcript",
			"/model <provider> <model> — switch model",
			"/thinking <off|low|medium|high> — set thinking level",
			"/steer <text> — interrupt the current turn with new instructions",
			"/auth — provider login status",
		}, "\n"))

	case "/settings":
		d.sendSettingsPanel(ctx, route, threadKey, 0)

	case "/cancel":
		d.handleCancel(ctx, route, threadKey)

	case "/new", "/delete":
		if err := d.exec.ResetThreadSession(ctx, threadKey); err != nil {
			d.reply(ctx, route, "❌ "+truncate(err.Error(), failureTextLimit))
			return
		}
		d.reply(ctx, route, sessionResetReply)

	case "/share":
		res, err := d.exec.ShareThreadSession(ctx, threadKey)
		if err != nil {
			d.reply(ctx, route, "❌ "+truncate(err.Error(), failureTextLimit))
			return
		}
		d.reply(ctx, route, fmt.Sprintf("🔗 Session shared.\nGist: %s\nViewer: %s", res.GistURL, res.ShareURL))

	case "/model":
		if args == "" {
			d.sendSettingsPanel(ctx, route, threadKey, 0)
			return
		}
		fields := strings.Fields(args)
		if len(fields) != 2 {
			d.reply(ctx, route, "Usage: /model <provider> <model>")
			return
		}
		state, err := d.exec.SetThreadModel(ctx, threadKey, fields[0], fields[1])
		if err != nil {
			d.reply(ctx, route, "❌ "+truncate(err.Error(), failureTextLimit))
			return
		}
		d.reply(ctx, route, fmt.Sprintf("✅ Model set to %s/%s", state.Provider, state.Model))

	case "/thinking":
		if args == "" {
			d.sendSettingsPanel(ctx, route, threadKey, 0)
			return
		}
		state, err := d.exec.SetThreadThinkingLevel(ctx, threadKey, args)
		if err != nil {
			d.reply(ctx, route, "❌ "+truncate(err.Error(), failureTextLimit))
			return
		}
		d.reply(ctx, route, fmt.Sprintf("✅ Thinking level set to %s", state.ThinkingLevel))

	case "/steer":
		if args == "" {
			d.reply(ctx, route, "Usage: /steer <text> — interrupts the current turn.\nUse /settings to make steer the default for this chat.")
			return
		}
		// steer text bypasses the chat's default mode
		d.ingest(ctx, "", route, threadKey, userKey, args, store.DeliverSteer)

	case "/auth":
		var lines []string
		lines = append(lines, "Provider auth is managed by the pi agent (auth.json in the workspace).")
		for _, p := range authProviders {
			lines = append(lines, fmt.Sprintf("• %s", p))
		}
		d.reply(ctx, route, strings.Join(lines, "\n"))

	default:
		d.reply(ctx, route, "Unknown command. See /help.")
	}
}

func (d *Dispatcher) handleCancel(ctx context.Context, route threads.TelegramRoute, threadKey string) {
	d.registry.AbortThread(threadKey)
	cancelled, err := d.exec.CancelThreadRun(ctx, threadKey)
	if err != nil {
		d.reply(ctx, route, "❌ "+truncate(err.Error(), failureTextLimit))
		return
	}
	if cancelled {
		d.reply(ctx, route, "✅ Cancelled.")
		return
	}
	d.reply(ctx, route, "Nothing to cancel.")
}

// sendSettingsPanel renders the settings message with its inline
// keyboard. A non-zero messageID edits the existing panel in place.
func (d *Dispatcher) sendSettingsPanel(ctx context.Context, route threads.TelegramRoute, threadKey string, messageID int) {
	state, err := d.exec.GetThreadRuntimeState(ctx, threadKey)
	if err != nil {
		d.logger.Warn("telegram: loading runtime state", "thread_key", threadKey, "error", err)
	}

	d.mu.Lock()
	steer := d.steerMode[threadKey]
	d.mu.Unlock()

	model := "default"
	if state.Model != "" {
		model = state.Provider + "/" + state.Model
	}
	thinking := state.ThinkingLevel
	if thinking == "" {
		thinking = "off"
	}
	steerLabel := "off"
	if steer {
		steerLabel = "on"
	}
	text := fmt.Sprintf("⚙️ Settings\nModel: %s\nThinking: %s\nSteer mode: %s", model, thinking, steerLabel)

	var modelRow []telego.InlineKeyboardButton
	for _, m := range modelChoices {
		modelRow = append(modelRow, tu.InlineKeyboardButton(m.Label).
			WithCallbackData(fmt.Sprintf("m:%s:%s", m.Provider, m.ModelID)))
	}
	var thinkingRow []telego.InlineKeyboardButton
	for _, level := range thinkingLevels {
		thinkingRow = append(thinkingRow, tu.InlineKeyboardButton(level).
			WithCallbackData("t:"+level))
	}
	steerRow := []telego.InlineKeyboardButton{
		tu.InlineKeyboardButton("Steer on").WithCallbackData("s:on"),
		tu.InlineKeyboardButton("Steer off").WithCallbackData("s:off"),
	}
	var authRow []telego.InlineKeyboardButton
	for _, p := range authProviders {
		authRow = append(authRow, tu.InlineKeyboardButton("Auth "+p).WithCallbackData("a:"+p))
	}
	keyboard := tu.InlineKeyboard(modelRow, thinkingRow, steerRow, authRow)

	if messageID != 0 {
		err := callWithRetry(ctx, d.logger, "editMessageText", func() error {
			_, err := d.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
				ChatID:      tu.ID(route.ChatID),
				MessageID:   messageID,
				Text:        text,
				ReplyMarkup: keyboard,
			})
			return err
		})
		if err != nil && ctx.Err() == nil {
			d.logger.Warn("telegram: settings panel edit failed", "chat_id", route.ChatID, "error", err)
		}
		return
	}

	err = callWithRetry(ctx, d.logger, "sendMessage", func() error {
		msg := tu.Message(tu.ID(route.ChatID), text)
		msg.ReplyMarkup = keyboard
		if route.TopicID > 0 {
			msg.MessageThreadID = route.TopicID
		}
		_, err := d.bot.SendMessage(ctx, msg)
		return err
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("telegram: settings panel send failed", "chat_id", route.ChatID, "error", err)
	}
}

// handleCallback applies a settings button press. Unknown or stale data
// re-renders the latest panel.
func (d *Dispatcher) handleCallback(ctx context.Context, query *telego.CallbackQuery) {
	if !d.authorized(query.From.ID) {
		d.answerCallback(ctx, query.ID, "")
		return
	}
	msg, ok := query.Message.(*telego.Message)
	if !ok || msg == nil {
		d.answerCallback(ctx, query.ID, "")
		return
	}

	topicID := 0
	if msg.Chat.IsForum {
		topicID = msg.MessageThreadID
	}
	route := threads.TelegramRoute{ChatID: msg.Chat.ID, TopicID: threads.NormalizeTelegramTopicID(topicID)}
	threadKey := threads.FromTelegramRoute(route)

	prefix, value, _ := strings.Cut(query.Data, ":")
	var ack string
	switch prefix {
	case "s":
		on := value == "on"
		d.mu.Lock()
		d.steerMode[threadKey] = on
		d.mu.Unlock()
		ack = "Steer mode " + value

	case "m":
		provider, modelID, ok := strings.Cut(value, ":")
		if !ok {
			break
		}
		if _, err := d.exec.SetThreadModel(ctx, threadKey, provider, modelID); err != nil {
			ack = "Model change failed"
			d.logger.Warn("telegram: model change failed", "thread_key", threadKey, "error", err)
		} else {
			ack = "Model set"
		}

	case "t":
		if _, err := d.exec.SetThreadThinkingLevel(ctx, threadKey, value); err != nil {
			ack = "Thinking change failed"
			d.logger.Warn("telegram: thinking change failed", "thread_key", threadKey, "error", err)
		} else {
			ack = "Thinking " + value
		}

	case "a":
		ack = "Log in with the pi CLI to authorize " + value
	}

	d.answerCallback(ctx, query.ID, ack)
	// Re-render so stale panels converge to the current state.
	d.sendSettingsPanel(ctx, route, threadKey, msg.MessageID)
}

func (d *Dispatcher) answerCallback(ctx context.Context, queryID, text string) {
	err := callWithRetry(ctx, d.logger, "answerCallbackQuery", func() error {
		return d.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: queryID,
			Text:            text,
		})
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Debug("telegram: callback answer failed", "error", err)
	}
}
