// Package telegram is a minimal Telegram Bot API client used to deliver
// trade alerts and summaries to session owners via their chat id.
package telegram

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const apiBaseURL = "https://api.telegram.org"

// Client sends messages through a Telegram bot
type Client struct {
	http  *resty.Client
	token string
	log   zerolog.Logger
}

// New creates a new Telegram client for the given bot token
func New(token string, log zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(apiBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		http:  http,
		token: token,
		log:   log.With().Str("component", "telegram").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers a plain-text message to the given chat
func (c *Client) Send(chatID int64, text string) error {
	var result apiResponse

	resp, err := c.http.R().
		SetBody(sendMessageRequest{ChatID: chatID, Text: text}).
		SetResult(&result).
		Post(fmt.Sprintf("/bot%s/sendMessage", c.token))
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}

	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram API error (%d): %s", resp.StatusCode(), result.Description)
	}

	c.log.Debug().Int64("chat_id", chatID).Msg("Telegram message sent")
	return nil
}
