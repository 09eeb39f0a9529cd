// Package threads — thread key builders and parsers.
//
// The thread key is the serialization unit of the whole system: the run
// scheduler dispatches at most one run per key at a time, and the executor
// keeps one agent session per key. Canonical forms:
//
//	Telegram DM/group: telegram:chat:{chatID}
//	Telegram topic:    telegram:chat:{chatID}:topic:{topicID}
//	CLI:               cli:default
//	HTTP API callers:  api:{opaque}
//
// The Telegram "General" forum topic (id 1) is normalized to absent, so a
// forum's general topic and a plain group chat share one thread.
package threads

import (
	"fmt"
	"strconv"
	"strings"
)

// CLIDefault is the thread key for the local CLI conversation.
const CLIDefault = "cli:default"

// generalTopicID is Telegram's fixed id for the "General" forum topic.
const generalTopicID = 1

// NormalizeTelegramTopicID maps the General topic (1) to 0 (absent).
func NormalizeTelegramTopicID(topicID int) int {
	if topicID == generalTopicID {
		return 0
	}
	return topicID
}

// TelegramRoute identifies a Telegram delivery destination.
type TelegramRoute struct {
	ChatID  int64
	TopicID int // 0 = no topic
}

// FromTelegramChat builds the thread key for a Telegram chat, normalizing
// the General topic to absent.
func FromTelegramChat(chatID int64, topicID int) string {
	topicID = NormalizeTelegramTopicID(topicID)
	if topicID > 0 {
		return fmt.Sprintf("telegram:chat:%d:topic:%d", chatID, topicID)
	}
	return fmt.Sprintf("telegram:chat:%d", chatID)
}

// FromTelegramRoute builds the thread key for a Telegram route.
func FromTelegramRoute(r TelegramRoute) string {
	return FromTelegramChat(r.ChatID, r.TopicID)
}

// TelegramRouteFromKey parses a telegram thread key back into its route.
// Returns an error for non-telegram or malformed keys.
func TelegramRouteFromKey(key string) (TelegramRoute, error) {
	rest, ok := strings.CutPrefix(key, "telegram:chat:")
	if !ok {
		return TelegramRoute{}, fmt.Errorf("not a telegram thread key: %q", key)
	}

	chatPart := rest
	topicPart := ""
	if idx := strings.Index(rest, ":topic:"); idx >= 0 {
		chatPart = rest[:idx]
		topicPart = rest[idx+len(":topic:"):]
	}

	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return TelegramRoute{}, fmt.Errorf("invalid chat id in thread key %q: %w", key, err)
	}

	route := TelegramRoute{ChatID: chatID}
	if topicPart != "" {
		topicID, err := strconv.Atoi(topicPart)
		if err != nil || topicID <= 0 {
			return TelegramRoute{}, fmt.Errorf("invalid topic id in thread key %q", key)
		}
		route.TopicID = NormalizeTelegramTopicID(topicID)
	}
	return route, nil
}

// IsTelegram reports whether key addresses a Telegram thread.
func IsTelegram(key string) bool {
	return strings.HasPrefix(key, "telegram:chat:")
}

// Valid reports whether key is usable as a thread key: non-empty and free
// of whitespace. Keys are otherwise opaque to the scheduler and executor.
func Valid(key string) bool {
	if key == "" {
		return false
	}
	return !strings.ContainsAny(key, " \t\r\n")
}
