package channel

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"relay/internal/domain"
)

const (
	wecomAPIBase   = "https://qyapi.weixin.qq.com/cgi-bin"
	wecomMaxMsgLen = 2048

	// Error codes the platform returns for a missing or lapsed access
	// token. Either one forces a refresh and a single retry.
	wecomErrInvalidToken = 40014
	wecomErrTokenExpired = 42001
)

// WeCom implements domain.Adapter for WeCom (WeChat Work) app messages,
// the corp-credential provider class: sends require a short-lived access
// token exchanged from the corp id + secret. No edit capability and no
// streaming transport, so delivery is buffered.
type WeCom struct {
	channelID string
	creds     domain.CorpCredentials
	apiBase   string
	tokens    *TokenCache
	client    *http.Client
	logger    *slog.Logger
}

type WeComConfig struct {
	ChannelID   string
	Credentials domain.CorpCredentials
	APIBase     string // overridable for tests
	Tokens      *TokenCache
	Logger      *slog.Logger
}

func NewWeCom(cfg WeComConfig) *WeCom {
	if cfg.APIBase == "" {
		cfg.APIBase = wecomAPIBase
	}
	return &WeCom{
		channelID: cfg.ChannelID,
		creds:     cfg.Credentials,
		apiBase:   cfg.APIBase,
		tokens:    cfg.Tokens,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    cfg.Logger,
	}
}

func (w *WeCom) Provider() domain.Provider { return domain.ProviderWeCom }

func (w *WeCom) SendMessage(ctx context.Context, target string, text string) error {
	for _, chunk := range splitMessage(text, wecomMaxMsgLen) {
		if err := w.sendChunk(ctx, target, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk posts one text message. An auth failure invalidates the
// cached token and retries exactly once with a freshly exchanged one; a
// second failure of any kind is surfaced as-is.
func (w *WeCom) sendChunk(ctx context.Context, target, text string) error {
	code, err := w.post(ctx, target, text)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	if code != wecomErrInvalidToken && code != wecomErrTokenExpired {
		return fmt.Errorf("wecom send: errcode %d", code)
	}

	w.logger.Warn("wecom token rejected, refreshing once", "channel", w.channelID, "errcode", code)
	w.tokens.Invalidate(w.channelID)

	code, err = w.post(ctx, target, text)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("wecom send after token refresh: errcode %d", code)
	}
	return nil
}

func (w *WeCom) post(ctx context.Context, target, text string) (int, error) {
	token, err := w.tokens.Get(ctx, w.channelID, w.fetchToken)
	if err != nil {
		return 0, fmt.Errorf("wecom token exchange: %w", err)
	}

	payload := map[string]any{
		"touser":  target,
		"msgtype": "text",
		"agentid": w.creds.AgentID,
		"text":    map[string]string{"content": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/message/send?access_token=%s", w.apiBase, token)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("wecom send: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("wecom response decode: %w", err)
	}
	return result.ErrCode, nil
}

func (w *WeCom) fetchToken(ctx context.Context) (string, time.Duration, error) {
	url := fmt.Sprintf("%s/gettoken?corpid=%s&corpsecret=%s", w.apiBase, w.creds.CorpID, w.creds.Secret)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("token exchange status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("token decode: %w", err)
	}
	if result.ErrCode != 0 {
		return "", 0, fmt.Errorf("token exchange errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	ttl := time.Duration(result.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return result.AccessToken, ttl, nil
}

// SendStream buffers the whole sequence and sends once: WeCom has no
// edit call, and partial uneditable messages would just clutter the
// conversation.
func (w *WeCom) SendStream(ctx context.Context, target string, chunks <-chan string) error {
	full, err := collect(ctx, chunks)
	if err != nil {
		return err
	}
	if full == "" {
		return nil
	}
	return w.SendMessage(ctx, target, full)
}

// VerifyWeComSignature checks the dev_msg_signature scheme used on
// inbound callbacks: SHA-1 over the sorted concatenation of the signing
// token, timestamp, nonce and (for the echo handshake) the echo string.
func VerifyWeComSignature(signingToken, timestamp, nonce, echostr, signature string) bool {
	parts := []string{signingToken, timestamp, nonce}
	if echostr != "" {
		parts = append(parts, echostr)
	}
	sort.Strings(parts)

	h := sha1.New()
	for _, p := range parts {
		io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil)) == signature
}
