package bot

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polytrader/core"
	"github.com/web3guy0/polytrader/learning"
	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator alerts & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Fill and exit notifications
//   🚨 Circuit breaker trip alerts
//   🎛️ Commands (/status, /circuit, /reset, /alloc, /patterns)
//
// Only the configured chat is answered. /reset is the one way to re-arm
// trading after a trip.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Operator is the engine surface the bot drives
type Operator interface {
	Status() core.Status
	CircuitSnapshot() types.CircuitState
	ClearCircuit(operator string) bool
	Allocations() []types.StrategyAllocation
	Patterns() []learning.PatternStat
}

// sender is the slice of the Bot API the bot uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     sender
	chatID  int64
	running bool
	stopCh  chan struct{}

	operator Operator
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(token string, chatID int64, operator Operator) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return newTelegramBot(api, chatID, operator), nil
}

func newTelegramBot(api sender, chatID int64, operator Operator) *TelegramBot {
	return &TelegramBot{
		api:      api,
		chatID:   chatID,
		stopCh:   make(chan struct{}),
		operator: operator,
	}
}

// SetOperator attaches the engine once it exists
func (b *TelegramBot) SetOperator(op Operator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.operator = op
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyFill sends an entry alert
func (b *TelegramBot) NotifyFill(order types.OrderRequest, fill types.Fill) {
	emoji := "🟢"
	if order.Direction == types.Short {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *OPENED %s*

📊 *%s* - %s
━━━━━━━━━━━━━━━━
💵 Fill: *%s*
📦 Size: *$%s* @ %dx
🎯 TP: *%.1f%%* | 🛑 SL: *%.1f%%*
🧠 Confidence: *%.2f*`,
		emoji, strings.ToUpper(string(order.Direction)),
		order.Symbol, md(order.Strategy),
		fill.Price.String(),
		fill.Notional.StringFixed(2), order.Leverage,
		order.TakeProfitPct, order.StopLossPct,
		order.Confidence,
	)

	b.sendMarkdown(msg)
}

// NotifyTrade sends an exit alert
func (b *TelegramBot) NotifyTrade(t types.TradeRecord) {
	b.sendMarkdown(formatTrade(t))
}

// NotifyCircuit sends the trip alert
func (b *TelegramBot) NotifyCircuit(state types.CircuitState, value float64) {
	msg := fmt.Sprintf(`🚨 *CIRCUIT BREAKER TRIPPED*
━━━━━━━━━━━━━━━━━━━━

⛔ Reason: *%s* (%.4g)
💰 Equity: *$%s* (peak $%s)
❌ Consecutive losses: *%d*

Trading is halted. Send /reset to re-arm.`,
		md(state.Reason), value,
		state.LastEquity.StringFixed(2), state.PeakEquity.StringFixed(2),
		state.ConsecutiveLosses,
	)

	b.sendMarkdown(msg)
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(strategies []string) {
	msg := fmt.Sprintf(`🚀 *POLYTRADER STARTED*
━━━━━━━━━━━━━━━━━━━━

🎯 Strategies: *%s*
📊 Mode: *PAPER*

Use /help for commands`, md(strings.Join(strategies, ", ")))

	b.sendMarkdown(msg)
}

func formatTrade(t types.TradeRecord) string {
	emoji := "📊"
	switch t.Reason {
	case "TAKE_PROFIT":
		emoji = "💰"
	case "STOP_LOSS":
		emoji = "🛑"
	case "MAX_HOLD_TIME":
		emoji = "⏱️"
	case "SIGNAL_REVERSAL":
		emoji = "🔄"
	}

	return fmt.Sprintf(`%s *%s*

📊 %s %s - %s
💵 %s → %s
💵 P&L: *%s*`,
		emoji, md(t.Reason),
		t.Symbol, t.Direction, md(t.Strategy),
		t.EntryPrice.String(), t.ExitPrice.String(),
		signed(t.Profit),
	)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	who := "telegram"
	if msg.From != nil && msg.From.UserName != "" {
		who = msg.From.UserName
	}
	text, markdown := b.reply(strings.ToLower(msg.Command()), who)
	if markdown {
		b.sendMarkdown(text)
		return
	}
	b.send(text)
}

// reply renders the answer to one command
func (b *TelegramBot) reply(cmd, who string) (string, bool) {
	b.mu.RLock()
	op := b.operator
	b.mu.RUnlock()

	switch cmd {
	case "start", "help":
		return helpText, true
	case "ping":
		return "🏓 Pong!", false
	}
	if op == nil {
		return "❌ Engine not ready", false
	}

	switch cmd {
	case "status":
		return formatStatus(op.Status()), true
	case "circuit":
		return formatCircuit(op.CircuitSnapshot()), true
	case "reset":
		if !op.ClearCircuit(who) {
			return "✅ Circuit breaker is not tripped", false
		}
		log.Info().Str("operator", who).Msg("Circuit cleared via Telegram")
		return "▶️ Circuit breaker cleared, trading re-armed", false
	case "alloc":
		return formatAllocations(op.Allocations()), true
	case "patterns":
		return formatPatterns(op.Patterns(), 10), true
	}
	return "❓ Unknown command. Use /help", false
}

const helpText = `🤖 *POLYTRADER COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status - Equity and open positions
🚨 /circuit - Circuit breaker state
▶️ /reset - Clear a tripped breaker
⚖️ /alloc - Strategy allocations
🧠 /patterns - Strongest learned patterns
🏓 /ping - Test connection`

func formatStatus(s core.Status) string {
	state := "🟢 RUNNING"
	if s.Tripped {
		state = "⛔ HALTED (" + md(s.Reason) + ")"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `📊 *STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
💰 Equity: *$%s*
💵 Free cash: *$%s*
📜 Trades learned: *%d*
💼 Open positions: *%d*
`, state, s.Equity.StringFixed(2), s.Balance.StringFixed(2), s.Trades, len(s.Positions))

	for i, p := range s.Positions {
		if i >= 5 {
			fmt.Fprintf(&sb, "_... and %d more_\n", len(s.Positions)-5)
			break
		}
		fmt.Fprintf(&sb, "\n• *%s* %s %dx $%s - %s\n   🎯 %s | 🛑 %s | ⏱️ %v",
			p.Symbol, p.Direction, p.Leverage, p.Size.StringFixed(2), md(p.Strategy),
			p.TakeProfit.String(), p.StopLoss.String(),
			time.Since(p.EntryTime).Round(time.Minute),
		)
	}
	return sb.String()
}

func formatCircuit(s types.CircuitState) string {
	state := "🟢 ARMED"
	if s.Tripped {
		state = fmt.Sprintf("⛔ TRIPPED - %s at %s", md(s.Reason), s.TrippedAt.UTC().Format("Jan 2 15:04"))
	}

	return fmt.Sprintf(`🚨 *CIRCUIT BREAKER*
━━━━━━━━━━━━━━━━━━━━

%s
💰 Equity: *$%s* (peak $%s)
❌ Consecutive losses: *%d*
📉 Rolling loss: *$%s*
📅 Today: *$%s*`,
		state,
		s.LastEquity.StringFixed(2), s.PeakEquity.StringFixed(2),
		s.ConsecutiveLosses,
		risk.RollingLoss(&s).StringFixed(2),
		s.DailyLoss.StringFixed(2),
	)
}

func formatAllocations(allocs []types.StrategyAllocation) string {
	if len(allocs) == 0 {
		return "📭 No strategies registered"
	}

	var sb strings.Builder
	sb.WriteString("⚖️ *ALLOCATIONS*\n━━━━━━━━━━━━━━━━━━━━\n")
	for _, a := range allocs {
		fmt.Fprintf(&sb, "\n*%s* - %.1f%%\n   P&L %s | DD %.1f%%",
			md(a.StrategyID), a.Fraction*100, signed(a.CumulativePnL), a.Drawdown*100)
	}
	return sb.String()
}

// formatPatterns lists the limit patterns furthest from a coin flip
func formatPatterns(patterns []learning.PatternStat, limit int) string {
	if len(patterns) == 0 {
		return "📭 No patterns learned yet"
	}

	sorted := append([]learning.PatternStat(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return abs(sorted[i].ZScore()) > abs(sorted[j].ZScore())
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}

	var sb strings.Builder
	sb.WriteString("🧠 *PATTERNS*\n━━━━━━━━━━━━━━━━━━━━\n")
	for _, p := range sorted {
		mean, _ := p.Posterior()
		fmt.Fprintf(&sb, "\n`%s` %dW/%dL  p=%.2f z=%+.2f", p.Key(), p.Wins, p.Losses, mean, p.ZScore())
	}
	return sb.String()
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func signed(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + v.Abs().StringFixed(2)
	}
	return "+$" + v.StringFixed(2)
}

// md escapes legacy Markdown markers in free text
func md(s string) string {
	return markdownEscaper.Replace(s)
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
