package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-gateway/internal/config"
	"github.com/CedrosPay/x402-gateway/internal/httputil"
	"github.com/CedrosPay/x402-gateway/internal/logger"
	"github.com/CedrosPay/x402-gateway/internal/metrics"
	"github.com/CedrosPay/x402-gateway/pkg/x402"
)

// BalanceReader reads an account balance from the chain.
type BalanceReader interface {
	Balance(ctx context.Context, account, asset common.Address) (*big.Int, error)
}

// BalanceMonitor periodically checks account balances, exports them as
// metrics and posts a webhook alert when one drops below the threshold.
type BalanceMonitor struct {
	cfg        config.MonitoringConfig
	reader     BalanceReader
	accounts   []common.Address
	asset      common.Address
	threshold  *big.Int
	httpClient *http.Client
	tmpl       *template.Template
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	alertedKeys map[common.Address]time.Time // account -> last alert time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// BalanceAlert contains information about an account with low balance.
type BalanceAlert struct {
	Account   string    `json:"account"`
	Asset     string    `json:"asset"`
	Balance   string    `json:"balance"`
	Threshold string    `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBalanceMonitor builds a monitor for cfg.Accounts. defaultAsset is used
// when cfg.Asset is empty.
func NewBalanceMonitor(cfg config.MonitoringConfig, defaultAsset common.Address, reader BalanceReader, m *metrics.Metrics, log zerolog.Logger) (*BalanceMonitor, error) {
	threshold, err := x402.ParseAmount(cfg.LowBalanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("monitoring: threshold: %w", err)
	}
	asset := defaultAsset
	if cfg.Asset != "" {
		asset = common.HexToAddress(cfg.Asset)
	}
	accounts := make([]common.Address, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, common.HexToAddress(a))
	}

	var tmpl *template.Template
	if cfg.BodyTemplate != "" {
		tmpl, err = template.New("alert").Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("monitoring: parse template: %w", err)
		}
	}

	return &BalanceMonitor{
		cfg:         cfg,
		reader:      reader,
		accounts:    accounts,
		asset:       asset,
		threshold:   threshold.Big(),
		httpClient:  httputil.NewClient(cfg.Timeout.Duration),
		tmpl:        tmpl,
		metrics:     m,
		log:         log,
		now:         time.Now,
		alertedKeys: make(map[common.Address]time.Time),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start begins the monitoring loop.
func (m *BalanceMonitor) Start(ctx context.Context) {
	if len(m.accounts) == 0 {
		m.log.Info().Msg("balance_monitor.no_accounts")
		return
	}

	m.log.Info().
		Int("account_count", len(m.accounts)).
		Dur("check_interval", m.cfg.CheckInterval.Duration).
		Str("threshold", m.threshold.String()).
		Bool("alerts", m.cfg.LowBalanceAlertURL != "").
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop ends the monitoring loop and waits for an in-flight check.
func (m *BalanceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *BalanceMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	m.checkBalances(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkBalances(ctx)
		}
	}
}

func (m *BalanceMonitor) checkBalances(ctx context.Context) {
	for _, account := range m.accounts {
		balance, err := m.reader.Balance(ctx, account, m.asset)
		if err != nil {
			m.log.Error().
				Err(err).
				Str("account", logger.TruncateAddress(account.Hex())).
				Msg("balance_monitor.fetch_error")
			continue
		}
		m.metrics.ObserveAccountBalance(account.Hex(), m.asset.Hex(), balance)

		if balance.Cmp(m.threshold) < 0 {
			if m.shouldAlert(account) {
				m.sendAlert(ctx, account, balance)
			}
		} else {
			m.clearAlert(account)
		}
	}
}

// shouldAlert rate-limits alerts per account to one per cooldown.
func (m *BalanceMonitor) shouldAlert(account common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, exists := m.alertedKeys[account]
	if !exists {
		return true
	}
	return m.now().Sub(last) > m.cfg.AlertCooldown.Duration
}

func (m *BalanceMonitor) clearAlert(account common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alertedKeys, account)
}

func (m *BalanceMonitor) markAlerted(account common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertedKeys[account] = m.now()
}

func (m *BalanceMonitor) sendAlert(ctx context.Context, account common.Address, balance *big.Int) {
	accountLog := m.log.With().Str("account", logger.TruncateAddress(account.Hex())).Logger()
	accountLog.Warn().
		Str("balance", balance.String()).
		Str("threshold", m.threshold.String()).
		Msg("balance_monitor.low_balance")

	if m.cfg.LowBalanceAlertURL == "" {
		m.markAlerted(account)
		return
	}

	alert := BalanceAlert{
		Account:   account.Hex(),
		Asset:     m.asset.Hex(),
		Balance:   balance.String(),
		Threshold: m.threshold.String(),
		Timestamp: m.now().UTC(),
	}
	body, err := m.renderBody(alert)
	if err != nil {
		m.metrics.ObserveLowBalanceAlert("render_error")
		accountLog.Error().Err(err).Msg("balance_monitor.template_error")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LowBalanceAlertURL, bytes.NewReader(body))
	if err != nil {
		accountLog.Error().Err(err).Msg("balance_monitor.request_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range m.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.metrics.ObserveLowBalanceAlert("send_error")
		accountLog.Error().Err(err).Msg("balance_monitor.send_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.metrics.ObserveLowBalanceAlert("sent")
		accountLog.Info().Int("status_code", resp.StatusCode).Msg("balance_monitor.alert_sent")
		m.markAlerted(account)
		return
	}
	m.metrics.ObserveLowBalanceAlert("rejected")
	accountLog.Warn().Int("status_code", resp.StatusCode).Msg("balance_monitor.alert_failed")
}

// renderBody uses the custom template when configured, otherwise a
// Discord/Slack compatible "content" message.
func (m *BalanceMonitor) renderBody(alert BalanceAlert) ([]byte, error) {
	if m.tmpl != nil {
		var buf bytes.Buffer
		if err := m.tmpl.Execute(&buf, alert); err != nil {
			return nil, fmt.Errorf("execute template: %w", err)
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(map[string]any{
		"content": fmt.Sprintf(
			"Low balance alert\n\nAccount: `%s`\nAsset: `%s`\nBalance: %s\nThreshold: %s",
			alert.Account, alert.Asset, alert.Balance, alert.Threshold,
		),
	})
}
