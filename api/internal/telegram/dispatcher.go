package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"threat-bot/api/internal/threat"
	"threat-bot/api/internal/util"
)

const (
	alertHeader = "🚨 Alert: Dangerous Situation Detected!\n\n"
	pingText    = "🔧 Test message: System is online and working!"

	// Telegram caption limit for media messages.
	maxCaption = 1024
)

// NewBot prepares a Bot API client for endpoint, a "…/bot%s/%s" template;
// empty means the public api.telegram.org. It makes no network calls, so an
// unreachable Telegram never blocks startup.
func NewBot(token, endpoint string) (*tgbotapi.BotAPI, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: &http.Client{Timeout: 60 * time.Second},
		Buffer: 100,
	}
	bot.SetAPIEndpoint(endpoint)
	return bot, nil
}

// Dispatcher posts alerts to one fixed chat or channel.
type Dispatcher struct {
	Bot *tgbotapi.BotAPI

	chatID  int64
	channel string // "@name" for public channels
}

// NewDispatcher binds bot to channelID: a numeric chat id (-100…) or @username.
func NewDispatcher(bot *tgbotapi.BotAPI, channelID string) (*Dispatcher, error) {
	channelID = strings.TrimSpace(channelID)
	d := &Dispatcher{Bot: bot}
	if id, err := strconv.ParseInt(channelID, 10, 64); err == nil {
		d.chatID = id
		return d, nil
	}
	if strings.HasPrefix(channelID, "@") && len(channelID) > 1 {
		d.channel = channelID
		return d, nil
	}
	return nil, fmt.Errorf("telegram: bad channel id %q: want a number or @channel", channelID)
}

// Caption builds the alert caption for description.
func Caption(description string) string {
	return util.Truncate(alertHeader+description, maxCaption)
}

func (d *Dispatcher) Send(ctx context.Context, img threat.Image, description string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", threat.ErrDelivery, err)
	}
	file := tgbotapi.FileBytes{Name: "alert" + util.ExtForMIME(img.MIME), Bytes: img.Data}

	var photo tgbotapi.PhotoConfig
	if d.channel != "" {
		photo = tgbotapi.NewPhotoToChannel(d.channel, file)
	} else {
		photo = tgbotapi.NewPhoto(d.chatID, file)
	}
	photo.Caption = Caption(description)

	if _, err := d.Bot.Send(photo); err != nil {
		return fmt.Errorf("%w: telegram sendPhoto: %v", threat.ErrDelivery, err)
	}
	return nil
}

// SelfTest authorizes the token (getMe) and sends the test message.
func (d *Dispatcher) SelfTest(ctx context.Context) error {
	me, err := d.Bot.GetMe()
	if err != nil {
		return fmt.Errorf("%w: telegram getMe: %v", threat.ErrDelivery, err)
	}
	d.Bot.Self = me
	return d.Ping(ctx)
}

// Ping sends a plain text message to check token and channel permissions.
func (d *Dispatcher) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var msg tgbotapi.MessageConfig
	if d.channel != "" {
		msg = tgbotapi.NewMessageToChannel(d.channel, pingText)
	} else {
		msg = tgbotapi.NewMessage(d.chatID, pingText)
	}
	if _, err := d.Bot.Send(msg); err != nil {
		return fmt.Errorf("%w: telegram sendMessage: %v", threat.ErrDelivery, err)
	}
	return nil
}
