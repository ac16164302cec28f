package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 区分告警类型。
type Kind string

const (
	KindDeviation   Kind = "deviation"
	KindLiquidation Kind = "liquidation"
)

// Liquidation 描述一次清算事件。
type Liquidation struct {
	Owner      string
	Debt       decimal.Decimal
	Collateral decimal.Decimal
	Absorbed   bool
}

// Notification 封装告警上下文。
type Notification struct {
	Kind               Kind
	Bucket             time.Time
	Symbol             string
	ReferencePrice     decimal.Decimal
	MarketPrice        decimal.Decimal
	OraclePrice        decimal.Decimal
	DeviationPct       decimal.Decimal
	ThresholdPct       decimal.Decimal
	Direction          string
	Channels           []string
	NotionalCollateral decimal.Decimal
	Liquidations       []Liquidation
	AdditionalMsg      string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Time("bucket", note.Bucket).
		Str("kind", string(note.Kind)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage 生成告警正文。
func RenderMessage(note Notification) string {
	if note.Kind == KindLiquidation {
		return renderLiquidation(note)
	}
	return renderDeviation(note)
}

func renderDeviation(note Notification) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "[%s Price Alert]\n", symbolOrDefault(note.Symbol))
	fmt.Fprintf(&b, "Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Reference: %s\n", note.ReferencePrice.StringFixed(6))
	fmt.Fprintf(&b, "Market: %s\n", note.MarketPrice.StringFixed(6))
	if note.OraclePrice.IsPositive() {
		fmt.Fprintf(&b, "Oracle: %s\n", note.OraclePrice.StringFixed(6))
	}
	fmt.Fprintf(&b, "Deviation: %s%% (threshold %s%%)\n", note.DeviationPct.StringFixed(3), note.ThresholdPct.StringFixed(3))
	fmt.Fprintf(&b, "Direction: %s\n", note.Direction)
	fmt.Fprintf(&b, "Notional: %s %s\n", note.NotionalCollateral.String(), symbolOrDefault(note.Symbol))
	writeFooter(&b, note)
	return b.String()
}

func renderLiquidation(note Notification) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "[%s Liquidation]\n", symbolOrDefault(note.Symbol))
	fmt.Fprintf(&b, "Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339))
	if note.OraclePrice.IsPositive() {
		fmt.Fprintf(&b, "Oracle: %s\n", note.OraclePrice.StringFixed(6))
	}
	fmt.Fprintf(&b, "Troves: %d\n", len(note.Liquidations))
	for _, l := range note.Liquidations {
		target := "pool"
		if !l.Absorbed {
			target = "stranded"
		}
		fmt.Fprintf(&b, "- %s debt %s coll %s (%s)\n", l.Owner, l.Debt.String(), l.Collateral.String(), target)
	}
	writeFooter(&b, note)
	return b.String()
}

func writeFooter(b *strings.Builder, note Notification) {
	if len(note.Channels) > 0 {
		fmt.Fprintf(b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	if note.AdditionalMsg != "" {
		b.WriteString(note.AdditionalMsg)
	}
}

func symbolOrDefault(s string) string {
	if s == "" {
		return "COLL"
	}
	return s
}

var _ Notifier = (*TelegramNotifier)(nil)
