package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"estatesync/server/config"
	"estatesync/server/internal/syncer"

	"github.com/sirupsen/logrus"
)

// maxErrorText keeps run failure text well inside Telegram's message limit.
const maxErrorText = 500

type Service struct {
	logger       *logrus.Logger
	client       *http.Client
	enabled      bool
	botToken     string
	chatID       string
	apiBase      string
	onlyOnErrors bool
}

func NewService(cfg *config.Config, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	apiBase := strings.TrimRight(cfg.Telegram.APIBase, "/")
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Service{
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled:      cfg.Telegram.Enabled,
		botToken:     cfg.Telegram.BotToken,
		chatID:       cfg.Telegram.ChatID,
		apiBase:      apiBase,
		onlyOnErrors: cfg.Telegram.OnlyOnErrors,
	}
}

// SendMessage sends a message to the configured Telegram chat
func (s *Service) SendMessage(ctx context.Context, message string) error {
	if !s.enabled {
		return nil
	}

	if s.botToken == "" {
		return errors.New("Telegram bot token is not configured")
	}

	if s.chatID == "" {
		return errors.New("Telegram chat ID is not configured")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.botToken)
	payload := map[string]interface{}{
		"chat_id":    s.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build Telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return errors.New("invalid bot token - please check your token from @BotFather")
		case http.StatusBadRequest:
			return fmt.Errorf("invalid chat ID or message format: %s", string(body))
		case http.StatusForbidden:
			return errors.New("bot was blocked by the user or chat")
		case http.StatusNotFound:
			return errors.New("bot not found - please check your token from @BotFather")
		default:
			return fmt.Errorf("Telegram API error (status %d): %s", resp.StatusCode, string(body))
		}
	}

	return nil
}

// NotifyRun sends a summary of a finished sync run. Clean runs are not
// reported when only errors are wanted.
func (s *Service) NotifyRun(ctx context.Context, stats *syncer.Stats) error {
	if !s.enabled || stats == nil {
		return nil
	}
	failed := stats.Error != "" || stats.Errors > 0 || len(stats.FailedCities) > 0
	if s.onlyOnErrors && !failed {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":      stats.RunID,
		"object_type": stats.ObjectType,
	}).Debug("Sending run notification")
	return s.SendMessage(ctx, FormatRun(stats))
}

// FormatRun renders a run summary as Telegram HTML.
func FormatRun(stats *syncer.Stats) string {
	title := "<b>✅ Sync finished</b>"
	switch {
	case stats.Error != "":
		title = "<b>❌ Sync failed</b>"
	case stats.Errors > 0 || len(stats.FailedCities) > 0:
		title = "<b>⚠️ Sync finished with errors</b>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", title)
	fmt.Fprintf(&b, "📦 Type: %s\n", html.EscapeString(string(stats.ObjectType)))
	fmt.Fprintf(&b, "🕹 Trigger: %s\n", html.EscapeString(stats.Trigger))
	fmt.Fprintf(&b, "🏙 Cities: %s\n", html.EscapeString(cityNames(stats.Cities)))
	fmt.Fprintf(&b, "📊 Total %d, created %d, updated %d, skipped %d\n",
		stats.Total, stats.Created, stats.Updated, stats.Skipped)
	fmt.Fprintf(&b, "🚨 Errors: %d\n", stats.Errors)
	if len(stats.FailedCities) > 0 {
		fmt.Fprintf(&b, "🛑 Failed cities: %s\n", html.EscapeString(cityNames(stats.FailedCities)))
	}
	if !stats.FinishedAt.IsZero() && !stats.StartedAt.IsZero() {
		fmt.Fprintf(&b, "⏱ Duration: %s\n", stats.FinishedAt.Sub(stats.StartedAt).Round(time.Second))
	}
	if stats.Error != "" {
		text := stats.Error
		if len(text) > maxErrorText {
			text = strings.ToValidUTF8(text[:maxErrorText], "") + "…"
		}
		fmt.Fprintf(&b, "\n<code>%s</code>\n", html.EscapeString(text))
	}
	fmt.Fprintf(&b, "\nRun: <code>%s</code>", html.EscapeString(stats.RunID))
	return b.String()
}

// cityNames labels known city ids with their name, e.g. "Moscow (1)".
func cityNames(ids []string) string {
	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = id
		if city := config.GetCityByID(id); city != nil {
			labels[i] = fmt.Sprintf("%s (%s)", city.Name, id)
		}
	}
	return strings.Join(labels, ", ")
}
