package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ir-quote-feed/internal/alerts"
	"ir-quote-feed/internal/cache"
	"ir-quote-feed/internal/config"
	"ir-quote-feed/internal/keymetrics"
	"ir-quote-feed/internal/quote"
	"ir-quote-feed/internal/session"
	"ir-quote-feed/internal/state"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorBot interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
	Send(ctx context.Context, message string) error
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID        int64     `json:"update_id"`
	Time            time.Time `json:"time"`
	Action          string    `json:"action"`
	Command         string    `json:"command"`
	UserID          int64     `json:"user_id"`
	Username        string    `json:"username,omitempty"`
	ChatID          int64     `json:"chat_id"`
	TimeframeBefore string    `json:"timeframe_before"`
	TimeframeAfter  string    `json:"timeframe_after"`
	Result          string    `json:"result"`
}

// operator answers chat commands from the configured Telegram chat: chart
// status, manual retry, timeframe switch and key metrics.
type operator struct {
	bot        operatorBot
	store      state.Store
	session    *session.Session
	keyMetrics *keymetrics.Service
	cache      *cache.Cache
	log        *zap.Logger
	now        func() time.Time

	chatID  int64
	allowed map[int64]struct{}
	poll    time.Duration
	warned  bool
}

// newOperator returns nil when the operator is off or misconfigured.
func newOperator(cfg config.TelegramConfig, bot operatorBot, store state.Store, chart *session.Session, km *keymetrics.Service, c *cache.Cache, log *zap.Logger) *operator {
	if !cfg.OperatorEnabled || bot == nil {
		return nil
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return nil
	}
	poll := cfg.OperatorPollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	allowed := make(map[int64]struct{}, len(cfg.OperatorAllowedUserIDs))
	for _, id := range cfg.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &operator{
		bot:        bot,
		store:      store,
		session:    chart,
		keyMetrics: km,
		cache:      c,
		log:        log,
		now:        time.Now,
		chatID:     chatID,
		allowed:    allowed,
		poll:       poll,
	}
}

func (o *operator) run(ctx context.Context) {
	offset := o.loadOffset(ctx)
	o.log.Info("telegram operator started", zap.Int64("offset", offset))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := o.bot.GetUpdates(ctx, offset, o.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.poll):
			}
			continue
		}
		if o.warned {
			o.log.Info("telegram operator recovered")
			o.warned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				o.saveOffset(ctx, offset)
			}
			o.handleUpdate(ctx, upd)
		}
	}
}

func (o *operator) handleUpdate(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != o.chatID {
		return
	}
	if len(o.allowed) > 0 {
		if _, ok := o.allowed[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := o.handleCommand(ctx, cmd, args, meta)
	if resp == "" {
		return
	}
	if err := o.bot.Send(ctx, resp); err != nil {
		o.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (o *operator) handleCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return o.status()
	case "retry":
		before := o.session.Timeframe().String()
		_, err := o.session.Retry(ctx)
		result := o.loadResult(err)
		o.audit(ctx, "retry", meta, before, o.session.Timeframe().String(), result)
		return result + "\n" + o.status()
	case "timeframe", "tf":
		if len(args) != 1 {
			return "usage: /timeframe 1D|5D|1M|3M"
		}
		if _, err := quote.ParseTimeframe(args[0]); err != nil {
			return err.Error()
		}
		before := o.session.Timeframe().String()
		_, err := o.session.UpdateTimeframe(ctx, args[0])
		result := o.loadResult(err)
		o.audit(ctx, "timeframe", meta, before, o.session.Timeframe().String(), result)
		return result + "\n" + o.status()
	case "metrics":
		return o.metrics()
	default:
		return operatorHelpText()
	}
}

func (o *operator) loadResult(err error) string {
	if err != nil {
		return fmt.Sprintf("load failed: %v", err)
	}
	return "load succeeded"
}

func (o *operator) status() string {
	view := o.session.Current()
	tf := o.session.Timeframe()
	lines := []string{
		fmt.Sprintf("symbol: %s", o.session.Symbol()),
		fmt.Sprintf("state: %s", o.session.State()),
		fmt.Sprintf("timeframe: %s", tf),
	}
	if view.Source != "" {
		src := view.Source
		if view.Cached {
			src += " (cached)"
		}
		lines = append(lines, fmt.Sprintf("source: %s", src))
	}
	if view.Timeframe != "" && view.Timeframe != tf.String() {
		lines = append(lines, fmt.Sprintf("showing: %s", view.Timeframe))
	}
	if view.Readout != nil {
		lines = append(lines, fmt.Sprintf("last: %s %s", view.Readout.PriceText, view.Readout.ChangeText))
	}
	if view.Error != nil {
		lines = append(lines, fmt.Sprintf("error: %s", view.Error.Reason))
	}
	if entry, ok := o.cache.Read(o.session.Symbol(), tf); ok {
		age := entry.Age(o.now()).Truncate(time.Second)
		lines = append(lines, fmt.Sprintf("cache: %s from %s, age %s (valid %t)", entry.Timeframe, entry.Source, age, age < o.cache.Validity()))
	} else {
		lines = append(lines, "cache: empty")
	}
	if !view.UpdatedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("updated_at: %s", view.UpdatedAt.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func (o *operator) metrics() string {
	snap := o.keyMetrics.Snapshot()
	line := func(name string, m keymetrics.Metric) string {
		return fmt.Sprintf("%s: %s (%s)", name, m.Value, m.Source)
	}
	return strings.Join([]string{
		line("ton_tokens_held", snap.TONTokensHeld),
		line("validators_operated", snap.ValidatorsOperated),
		line("staking_yield", snap.StakingYield),
		line("treasury_allocation", snap.TreasuryAllocation),
	}, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current chart state and cache age",
		"/retry - reload the selected timeframe",
		"/timeframe 1D|5D|1M|3M - switch the chart timeframe",
		"/metrics - key metrics snapshot",
	}, "\n")
}

func (o *operator) logError(err error) {
	if o.warned {
		return
	}
	o.warned = true
	o.log.Warn("telegram operator failed", zap.Error(err))
}

func (o *operator) loadOffset(ctx context.Context) int64 {
	if o.store == nil {
		return 0
	}
	raw, ok, err := o.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (o *operator) saveOffset(ctx context.Context, offset int64) {
	if o.store == nil {
		return
	}
	if err := o.store.Set(ctx, operatorOffsetKey, []byte(strconv.FormatInt(offset, 10))); err != nil {
		o.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (o *operator) audit(ctx context.Context, action string, meta operatorMeta, before, after, result string) {
	if o.store == nil {
		return
	}
	now := o.now().UTC()
	event := operatorAuditEvent{
		UpdateID:        meta.UpdateID,
		Time:            now,
		Action:          action,
		Command:         meta.Raw,
		UserID:          meta.UserID,
		Username:        meta.Username,
		ChatID:          meta.ChatID,
		TimeframeBefore: before,
		TimeframeAfter:  after,
		Result:          result,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", now.UnixNano(), meta.UpdateID)
	if err := o.store.Set(ctx, key, payload); err != nil {
		o.log.Warn("operator audit save failed", zap.Error(err))
	}
}
