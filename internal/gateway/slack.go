package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/basket/agentswarm/internal/config"
	"github.com/basket/agentswarm/internal/queue"
)

// SlackGateway adapts the Slack Events API webhook + Web API posting to
// Dispatcher.Handle, grounded on
// codeready-toolchain-tarsy/pkg/slack/client.go's thin-wrapper style.
type SlackGateway struct {
	cfg        config.SlackConfig
	dispatcher *Dispatcher
	api        *slack.Client
	addr       string
	server     *http.Server
	botUserID  string
	logger     *slog.Logger
}

// NewSlackGateway constructs the adapter; addr is the webhook listen address.
func NewSlackGateway(cfg config.SlackConfig, addr string, dispatcher *Dispatcher) *SlackGateway {
	return &SlackGateway{
		cfg:        cfg,
		dispatcher: dispatcher,
		api:        slack.New(cfg.BotToken),
		addr:       addr,
		logger:     slog.Default().With("component", "gateway-slack"),
	}
}

func (g *SlackGateway) Name() string { return "slack" }

// Start registers the Events API webhook handler and blocks until ctx is
// canceled.
func (g *SlackGateway) Start(ctx context.Context) error {
	if auth, err := g.api.AuthTestContext(ctx); err == nil {
		g.botUserID = auth.UserID
	} else {
		g.logger.Warn("slack auth.test failed, bot self-message filtering disabled", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", g.handleEvent)
	g.server = &http.Server{Addr: g.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- g.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		g.Stop()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (g *SlackGateway) Stop() {
	if g.server != nil {
		_ = g.server.Close()
	}
}

// Reply implements Replier by posting directly to the channel that
// originated the request via the Web API.
func (g *SlackGateway) Reply(ctx context.Context, channelID, text string) error {
	_, _, err := g.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	return err
}

func (g *SlackGateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := verifyAndReadSlackBody(r, g.cfg.SigningSecret)
	if err != nil {
		http.Error(w, fmt.Sprintf("slack signature: %v", err), http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	if event.Type == slackevents.URLVerification {
		var challenge slackevents.ChallengeResponse
		if err := challenge.UnmarshalJSON(body); err == nil {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(challenge.Challenge))
		}
		return
	}

	if event.Type == slackevents.CallbackEvent {
		if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			g.handleMessageEvent(r.Context(), ev)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (g *SlackGateway) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.User == g.botUserID || ev.SubType != "" {
		return
	}
	msg := queue.MessageContext{
		ChannelID:   ev.Channel,
		ChannelName: ev.Channel,
		UserID:      ev.User,
		Content:     ev.Text,
		MessageID:   ev.TimeStamp,
	}
	g.dispatcher.Handle(ctx, "slack", msg)
}
