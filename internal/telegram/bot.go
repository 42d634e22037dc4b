package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"licensegate/internal/license"
	"licensegate/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// botAPI is the part of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	api         botAPI
	adminChatID int64
	issuer      *service.Issuer
	deactivator *service.Deactivator
	log         *zap.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone          pendingState = ""
	stateNewLicense    pendingState = "new_license"
	stateAskInfo       pendingState = "ask_info"
	stateAskEnable     pendingState = "ask_enable"
	stateAskDisable    pendingState = "ask_disable"
	stateAskDeactivate pendingState = "ask_deactivate"
)

func NewBot(token string, adminChatID int64, issuer *service.Issuer, deactivator *service.Deactivator, log *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return newBot(api, adminChatID, issuer, deactivator, log), nil
}

func newBot(api botAPI, adminChatID int64, issuer *service.Issuer, deactivator *service.Deactivator, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{
		api:         api,
		adminChatID: adminChatID,
		issuer:      issuer,
		deactivator: deactivator,
		log:         log.Named("telegram"),
		states:      map[int64]pendingState{},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u tgbotapi.Update) {
	if u.CallbackQuery != nil {
		b.handleCallback(ctx, u.CallbackQuery)
		return
	}
	if u.Message != nil {
		b.handleMessage(ctx, u.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if chatID != b.adminChatID {
		b.log.Warn("message from non-admin chat", zap.Int64("chat_id", chatID))
		b.reply(chatID, "This bot only serves its administrator.")
		return
	}

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/help") || strings.HasPrefix(text, "/menu") {
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License management")
		return
	}

	switch b.getState(chatID) {
	case stateNewLicense:
		b.handleNewLicenseInput(ctx, chatID, text)
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, text)
		b.sendMenu(chatID, "")
	case stateAskEnable:
		b.setState(chatID, stateNone)
		b.cmdSetActive(ctx, chatID, text, true)
		b.sendMenu(chatID, "")
	case stateAskDisable:
		b.setState(chatID, stateNone)
		b.cmdSetActive(ctx, chatID, text, false)
		b.sendMenu(chatID, "")
	case stateAskDeactivate:
		b.handleDeactivateInput(ctx, chatID, text)
	default:
		b.sendMenu(chatID, "Use the buttons below.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Access denied")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "License management")
	case data == "new":
		b.setState(chatID, stateNewLicense)
		b.reply(chatID, "Send: [plan] [max_accounts] [days]\nAll optional, e.g. pro 3 30\nSend - for defaults.")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdListWithButtons(ctx, chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the license key:")
	case data == "ask_enable":
		b.setState(chatID, stateAskEnable)
		b.reply(chatID, "Send the license key to enable:")
	case data == "ask_disable":
		b.setState(chatID, stateAskDisable)
		b.reply(chatID, "Send the license key to disable:")
	case data == "ask_deactivate":
		b.setState(chatID, stateAskDeactivate)
		b.reply(chatID, "Send: <license> <account> <server>")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, strings.TrimPrefix(data, "info:"))
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New license", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
			tgbotapi.NewInlineKeyboardButtonData("🔓 Deactivate", "ask_deactivate"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Enable", "ask_enable"),
			tgbotapi.NewInlineKeyboardButtonData("⛔ Disable", "ask_disable"),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdListWithButtons(ctx context.Context, chatID int64) {
	list, err := b.issuer.List(ctx)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No licenses yet")
		return
	}

	lines := []string{"Latest licenses (tap for details):"}
	max := len(list)
	if max > 20 {
		max = 20
	}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, max+1)
	for _, lic := range list[:max] {
		lines = append(lines, fmt.Sprintf("- %s | %s | %d/%d | active=%v",
			lic.Key, lic.Plan, len(lic.Activations), lic.MaxAccounts, lic.Active))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+shortKey(lic.Key), "info:"+lic.Key),
		))
	}
	if len(list) > max {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(list)-max))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func shortKey(k string) string {
	k = strings.TrimSpace(k)
	if len(k) <= 18 {
		return k
	}
	return k[:10] + "..." + k[len(k)-6:]
}

func (b *Bot) handleNewLicenseInput(ctx context.Context, chatID int64, text string) {
	req, err := parseIssueInput(text)
	if err != nil {
		b.reply(chatID, "Error: "+err.Error())
		return
	}
	lic, err := b.issuer.Issue(ctx, b.issuer.Resolve(req))
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	b.setState(chatID, stateNone)
	b.reply(chatID, fmt.Sprintf("License created:\n%s\nPlan: %s\nMax accounts: %d\nExpires: %s",
		lic.Key, lic.Plan, lic.MaxAccounts, license.FormatTime(lic.ExpiresAt)))
	b.sendMenu(chatID, "")
}

// parseIssueInput reads "[plan] [max_accounts] [days]". A leading field
// that is not a number is the plan; "-" alone means all defaults.
func parseIssueInput(text string) (service.IssueRequest, error) {
	var req service.IssueRequest
	fields := strings.Fields(text)
	if len(fields) == 1 && fields[0] == "-" {
		return req, nil
	}
	if len(fields) > 0 {
		if _, err := strconv.Atoi(fields[0]); err != nil {
			plan := strings.ToLower(fields[0])
			req.Plan = &plan
			fields = fields[1:]
		}
	}
	if len(fields) > 2 {
		return req, errors.New("invalid input, expected [plan] [max_accounts] [days]")
	}
	if len(fields) > 0 {
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return req, errors.New("invalid max_accounts value")
		}
		req.MaxAccounts = &n
	}
	if len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return req, errors.New("invalid days value")
		}
		req.Days = &n
	}
	return req, nil
}

func (b *Bot) handleDeactivateInput(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		b.reply(chatID, "Invalid input. Format: <license> <account> <server>")
		return
	}
	b.setState(chatID, stateNone)
	removed, err := b.deactivator.Deactivate(ctx, fields[0], fields[1], fields[2])
	if err != nil {
		b.replyError(chatID, err)
	} else if removed {
		b.reply(chatID, fmt.Sprintf("OK\n%s@%s released from %s", fields[1], fields[2], license.NormalizeKey(fields[0])))
	} else {
		b.reply(chatID, "OK\nNo such activation; nothing to release.")
	}
	b.sendMenu(chatID, "")
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) cmdInfo(ctx context.Context, chatID int64, key string) {
	lic, err := b.issuer.Info(ctx, key)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	lines := []string{
		"License: " + lic.Key,
		"Plan: " + string(lic.Plan),
		fmt.Sprintf("Active: %v", lic.Active),
		fmt.Sprintf("Used: %d/%d", len(lic.Activations), lic.MaxAccounts),
		"Expires: " + license.FormatTime(lic.ExpiresAt),
		"Created: " + license.FormatTime(lic.CreatedAt),
	}
	if len(lic.Activations) > 0 {
		lines = append(lines, "Activations:")
		max := len(lic.Activations)
		if max > 30 {
			max = 30
		}
		for _, act := range lic.Activations[:max] {
			lines = append(lines, fmt.Sprintf("- %d@%s (last: %s)", act.Account, act.Server, license.FormatTime(act.LastValidated)))
		}
		if len(lic.Activations) > max {
			lines = append(lines, fmt.Sprintf("... (%d more)", len(lic.Activations)-max))
		}
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdSetActive(ctx context.Context, chatID int64, key string, active bool) {
	if err := b.issuer.SetActive(ctx, key, active); err != nil {
		b.replyError(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("OK\n%s\nActive: %v", license.NormalizeKey(key), active))
}

// replyError shows the caller-safe message of err.
func (b *Bot) replyError(chatID int64, err error) {
	b.reply(chatID, "Error: "+license.MessageOf(err))
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn("send message failed", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
	}
}
