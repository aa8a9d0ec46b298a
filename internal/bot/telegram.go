// Package bot provides Telegram delivery and operator commands.
//
// telegram.go - interactive command bot for the trading control plane.
// Long-polls for operator commands: status, portfolio, kill switch and
// dead-letter inspection.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/portfolio"
	"github.com/web3guy0/spotbot/internal/report"
	"github.com/web3guy0/spotbot/internal/trading"
)

// Bot handles operator interactions for the control plane.
type Bot struct {
	api       *tgbotapi.BotAPI
	cfg       *config.Config
	store     *database.Database
	engine    *trading.Engine
	portfolio *portfolio.Manager
	reporter  *report.Reporter
	stopCh    chan struct{}
}

// New creates the operator command bot.
func New(cfg *config.Config, store *database.Database, engine *trading.Engine,
	pm *portfolio.Manager, reporter *report.Reporter) (*Bot, error) {

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:       api,
		cfg:       cfg,
		store:     store,
		engine:    engine,
		portfolio: pm,
		reporter:  reporter,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins the bot's command listener
func (b *Bot) Start() {
	go b.listenForCommands()

	if b.cfg.TelegramChatID != 0 {
		b.sendStartupMessage()
	}
}

// Stop stops the bot
func (b *Bot) Stop() {
	close(b.stopCh)
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	// Single-operator bot: ignore everyone but the configured chat.
	if chatID != b.cfg.TelegramChatID {
		log.Debug().Int64("chat_id", chatID).Msg("Ignoring message from unknown chat")
		return
	}

	log.Debug().
		Int64("chat_id", chatID).
		Str("text", msg.Text).
		Msg("Received message")

	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start":
		b.cmdStart(chatID)
	case "help":
		b.cmdHelp(chatID)
	case "status":
		b.cmdStatus(chatID)
	case "portfolio":
		b.cmdPortfolio(chatID)
	case "enable":
		b.cmdEnable(chatID)
	case "disable":
		b.cmdDisable(chatID)
	case "report":
		b.cmdReport(chatID)
	case "deadletters":
		b.cmdDeadLetters(chatID)
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

// Commands

func (b *Bot) cmdStart(chatID int64) {
	text := `🚀 *Welcome to spotbot!*

Your spot trading control plane.

*What I do:*
• 📊 Collect candles and compute quant features
• 🛡️ Gate every trade through risk checks
• 💸 Execute approved proposals on Binance spot
• 🔍 Reconcile local state against the exchange

*Quick Start:*
1️⃣ Use /status to check the system
2️⃣ Use /portfolio to see positions and PnL
3️⃣ Use /enable to arm live trading

*Commands:*
/help - All commands
/status - System status
/portfolio - Balance and positions
/report - Today's summary`

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdHelp(chatID int64) {
	text := `📚 *spotbot Commands*

*📊 Monitoring:*
/status - Kill switch, positions, reconciliation
/portfolio - Balance, open positions, daily PnL
/report - Today's trading summary

*💰 Trading:*
/enable - Arm live order placement
/disable - Kill switch: suppress all placement

*🛠 Maintenance:*
/deadletters - Proposals parked after repeated errors

Proposals above the auto-approve threshold wait for
manual review via the API.`

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdStatus(chatID int64) {
	tradingStatus := "🔴 DISABLED"
	if b.engine.IsEnabled() {
		tradingStatus = "🟢 ENABLED"
	}

	quantStatus := "🔴 OFF"
	if b.cfg.QuantEnabled {
		quantStatus = "🟢 ON"
	}

	openCount, _ := b.store.CountOpenPositions()
	deadLetters, _ := b.store.CountProposalsByStatus(database.StatusDeadLetter)

	reconLine := "never ran"
	if run, err := b.store.LatestReconRun(); err == nil {
		reconLine = fmt.Sprintf("%s, %d divergences, %s",
			run.Status, run.DivergencesFound, run.StartedAt.UTC().Format("15:04 MST"))
	}

	text := fmt.Sprintf(`📊 *System Status*

💸 *Trading:* %s
🧮 *Quant:* %s

*Positions:*
├ Open: %d
└ Dead letters: %d

*Reconciliation:*
└ %s

*Universe:*
├ Symbols: %s
└ Interval: %s`,
		tradingStatus,
		quantStatus,
		openCount,
		deadLetters,
		reconLine,
		strings.Join(b.cfg.Symbols, ", "),
		b.cfg.PrimaryInterval,
	)

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdPortfolio(chatID int64) {
	s, err := b.portfolio.Summary()
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Could not load portfolio: %s", err.Error()))
		return
	}

	pnlEmoji := "⚪"
	if s.DailyPnl.IsPositive() {
		pnlEmoji = "🟢"
	} else if s.DailyPnl.IsNegative() {
		pnlEmoji = "🔴"
	}

	text := fmt.Sprintf(`💼 *Portfolio*

💰 *Total:* $%s
├ Free: $%s
└ In positions: $%s

%s *Daily PnL:* $%s
├ Realized: $%s
└ Unrealized: $%s

*Open positions:* %d
`,
		s.TotalBalance.StringFixed(2),
		s.FreeBalance.StringFixed(2),
		s.InPositions.StringFixed(2),
		pnlEmoji,
		s.DailyPnl.StringFixed(4),
		s.RealizedToday.StringFixed(4),
		s.UnrealizedPnl.StringFixed(4),
		len(s.OpenPositions),
	)

	for i, p := range s.OpenPositions {
		if i >= 10 {
			text += fmt.Sprintf("\n_...and %d more_", len(s.OpenPositions)-10)
			break
		}
		posEmoji := "🟢"
		if p.UnrealizedPnl.IsNegative() {
			posEmoji = "🔴"
		}
		text += fmt.Sprintf(`
%s *%s*
├ Qty: %s @ $%s
└ uPnL: $%s (%s%%)`,
			posEmoji,
			p.Symbol,
			p.CurrentQuantity.String(),
			p.EntryPrice.StringFixed(2),
			p.UnrealizedPnl.StringFixed(4),
			p.UnrealizedPnlPct.StringFixed(2),
		)
	}

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdEnable(chatID int64) {
	b.engine.Enable()
	b.sendText(chatID, "🟢 Trading ENABLED. Approved proposals will be executed.")
}

func (b *Bot) cmdDisable(chatID int64) {
	b.engine.Disable()
	b.sendText(chatID, "🔴 Trading DISABLED. Kill switch active; all placement suppressed.")
}

func (b *Bot) cmdReport(chatID int64) {
	d := b.reporter.Build(context.Background(), time.Now())
	b.sendMarkdown(chatID, report.Format(d))
}

func (b *Bot) cmdDeadLetters(chatID int64) {
	proposals, err := b.store.ProposalsByStatus(database.StatusDeadLetter)
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Could not load dead letters: %s", err.Error()))
		return
	}

	if len(proposals) == 0 {
		b.sendText(chatID, "✅ No dead letters. All proposals healthy.")
		return
	}

	text := fmt.Sprintf("💀 *Dead Letters* (%d)\n\n", len(proposals))

	for i, p := range proposals {
		if i >= 10 {
			text += fmt.Sprintf("\n_...and %d more_", len(proposals)-10)
			break
		}
		text += fmt.Sprintf(`*#%d* %s %s $%s
├ Retries: %d
└ %s

`,
			p.ID,
			strings.ToUpper(p.Side),
			p.Symbol,
			p.Notional.StringFixed(2),
			p.RetryCount,
			escapeMarkdown(truncate(p.ErrorMessage, 80)),
		)
	}

	text += "\nRetry or cancel via the dead-letter API endpoints."

	b.sendMarkdown(chatID, text)
}

func (b *Bot) sendStartupMessage() {
	text := fmt.Sprintf(`🟢 *spotbot online*

Watching %s on %s candles.
Use /status to check the system.`,
		strings.Join(b.cfg.Symbols, ", "),
		b.cfg.PrimaryInterval,
	)

	b.sendMarkdown(b.cfg.TelegramChatID, text)
}

// Helpers

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	return err
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
