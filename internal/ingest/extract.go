package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/slack-go/slack"

	"relay/internal/channel"
	"relay/internal/domain"
)

// inboundMessage is what a verified webhook body boils down to.
type inboundMessage struct {
	externalID string // platform identity of the sender
	targetID   string // where the reply goes
	text       string
	challenge  string // Slack URL verification echo, when non-empty
}

type verifyError struct {
	status int
	msg    string
	err    error
}

// extractInbound verifies the request with the provider's scheme and
// pulls out the message. A nil inboundMessage with a nil error means
// verified traffic that carries no user message (bot echoes, joins).
func extractInbound(cfg *domain.ChannelConfig, r *http.Request, body []byte) (*inboundMessage, *verifyError) {
	switch cfg.Provider {
	case domain.ProviderTelegram:
		return extractTelegram(cfg, r, body)
	case domain.ProviderSlack:
		return extractSlack(cfg, r, body)
	case domain.ProviderWeCom:
		return extractWeCom(cfg, r, body)
	case domain.ProviderWebStream:
		return extractGeneric(cfg, r, body)
	case domain.ProviderDiscord:
		// Discord pushes events over its gateway, not webhooks. The
		// channel is proactive-delivery only.
		return nil, &verifyError{
			status: http.StatusNotImplemented,
			msg:    "reactive ingest not supported for this provider",
			err:    fmt.Errorf("provider %s has no webhook ingest", cfg.Provider),
		}
	default:
		return nil, &verifyError{
			status: http.StatusNotFound,
			msg:    "Not Found",
			err:    fmt.Errorf("%w: %s", domain.ErrUnknownProvider, cfg.Provider),
		}
	}
}

// telegramUpdate is the slice of the Bot API update we consume.
type telegramUpdate struct {
	Message struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID    int64 `json:"id"`
			IsBot bool  `json:"is_bot"`
		} `json:"from"`
	} `json:"message"`
}

// Telegram authenticates webhooks with the secret token the bot set
// when registering the webhook URL, echoed back in a header.
func extractTelegram(cfg *domain.ChannelConfig, r *http.Request, body []byte) (*inboundMessage, *verifyError) {
	if cfg.Secret != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != cfg.Secret {
		return nil, &verifyError{
			status: http.StatusForbidden,
			msg:    "Invalid secret token",
			err:    fmt.Errorf("telegram secret token mismatch"),
		}
	}
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, &verifyError{status: http.StatusBadRequest, msg: "Invalid JSON", err: err}
	}
	if update.Message.Text == "" || update.Message.From.IsBot {
		return nil, nil
	}
	return &inboundMessage{
		externalID: strconv.FormatInt(update.Message.From.ID, 10),
		targetID:   strconv.FormatInt(update.Message.Chat.ID, 10),
		text:       update.Message.Text,
	}, nil
}

type slackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		User    string `json:"user"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
		BotID   string `json:"bot_id"`
	} `json:"event"`
}

func extractSlack(cfg *domain.ChannelConfig, r *http.Request, body []byte) (*inboundMessage, *verifyError) {
	verifier, err := slack.NewSecretsVerifier(r.Header, cfg.Secret)
	if err != nil {
		return nil, &verifyError{status: http.StatusForbidden, msg: "Invalid signature", err: err}
	}
	if _, err := verifier.Write(body); err != nil {
		return nil, &verifyError{status: http.StatusInternalServerError, msg: "Internal Server Error", err: err}
	}
	if err := verifier.Ensure(); err != nil {
		return nil, &verifyError{status: http.StatusForbidden, msg: "Invalid signature", err: err}
	}

	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &verifyError{status: http.StatusBadRequest, msg: "Invalid JSON", err: err}
	}
	switch env.Type {
	case "url_verification":
		return &inboundMessage{challenge: env.Challenge}, nil
	case "event_callback":
		if env.Event.Type != "message" && env.Event.Type != "app_mention" {
			return nil, nil
		}
		// Drop our own messages, or the bot talks to itself forever.
		if env.Event.BotID != "" || env.Event.User == "" || env.Event.Text == "" {
			return nil, nil
		}
		return &inboundMessage{
			externalID: env.Event.User,
			targetID:   env.Event.Channel,
			text:       env.Event.Text,
		}, nil
	default:
		return nil, nil
	}
}

type wecomCallback struct {
	FromUser string `json:"from_user"`
	Content  string `json:"content"`
}

func extractWeCom(cfg *domain.ChannelConfig, r *http.Request, body []byte) (*inboundMessage, *verifyError) {
	q := r.URL.Query()
	if !channel.VerifyWeComSignature(cfg.Secret, q.Get("timestamp"), q.Get("nonce"), "", q.Get("msg_signature")) {
		return nil, &verifyError{
			status: http.StatusForbidden,
			msg:    "Invalid signature",
			err:    fmt.Errorf("wecom callback signature mismatch"),
		}
	}
	var cb wecomCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, &verifyError{status: http.StatusBadRequest, msg: "Invalid JSON", err: err}
	}
	if cb.FromUser == "" || cb.Content == "" {
		return nil, nil
	}
	return &inboundMessage{
		externalID: cb.FromUser,
		targetID:   cb.FromUser,
		text:       cb.Content,
	}, nil
}

// genericPayload is the JSON body for channels without a platform
// scheme of their own.
type genericPayload struct {
	ExternalID string `json:"external_id"`
	TargetID   string `json:"target_id"`
	Content    string `json:"content"`
}

func extractGeneric(cfg *domain.ChannelConfig, r *http.Request, body []byte) (*inboundMessage, *verifyError) {
	if cfg.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			return nil, &verifyError{
				status: http.StatusUnauthorized,
				msg:    "Missing signature",
				err:    fmt.Errorf("missing X-Signature-256 header"),
			}
		}
		if !verifyHMAC(body, cfg.Secret, sig) {
			return nil, &verifyError{
				status: http.StatusForbidden,
				msg:    "Invalid signature",
				err:    fmt.Errorf("hmac signature mismatch"),
			}
		}
	}
	var payload genericPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &verifyError{status: http.StatusBadRequest, msg: "Invalid JSON", err: err}
	}
	if payload.ExternalID == "" || payload.Content == "" {
		return nil, &verifyError{
			status: http.StatusBadRequest,
			msg:    "external_id and content are required",
			err:    fmt.Errorf("incomplete payload"),
		}
	}
	if payload.TargetID == "" {
		payload.TargetID = payload.ExternalID
	}
	return &inboundMessage{
		externalID: payload.ExternalID,
		targetID:   payload.TargetID,
		text:       payload.Content,
	}, nil
}
