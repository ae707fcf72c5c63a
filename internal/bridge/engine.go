// Package bridge wires the session managers, the registry, the router, and
// the control channel into one orchestrator.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bridgecommand/wa-slack-bridge/internal/config"
	"github.com/bridgecommand/wa-slack-bridge/internal/control"
	"github.com/bridgecommand/wa-slack-bridge/internal/health"
	"github.com/bridgecommand/wa-slack-bridge/internal/registry"
	"github.com/bridgecommand/wa-slack-bridge/internal/router"
	"github.com/bridgecommand/wa-slack-bridge/internal/slackbridge"
	"github.com/bridgecommand/wa-slack-bridge/internal/state"
	"github.com/bridgecommand/wa-slack-bridge/internal/store"
	"github.com/bridgecommand/wa-slack-bridge/internal/whatsapp"
)

// groupSession is the WhatsApp surface the engine drives.
type groupSession interface {
	router.GroupSession
	Start(ctx context.Context) error
	Reset(ctx context.Context) error
	RefreshGroups(ctx context.Context)
	Messages() <-chan whatsapp.Message
	Close() error
}

// Engine orchestrates the whole bridge. It handles control commands, relays
// session notifications to the control channel, and owns the Slack subsystem
// lifecycle (brought up lazily once credentials arrive).
type Engine struct {
	cfg      *config.Config
	machine  *state.Machine
	registry *registry.Registry
	ctrl     *control.Server
	monitor  *health.Monitor
	threads  *store.ThreadStore
	log      *slog.Logger

	wa       groupSession
	waNative *whatsapp.Session
	router   *router.Router

	// slackMsgs is the stable stream the router consumes; messages are pumped
	// into it from whichever Slack session is currently live.
	slackMsgs chan slackbridge.Message

	mu          sync.Mutex
	slack       *slackbridge.Session
	slackCancel context.CancelFunc
	baseCtx     context.Context
}

// New builds the engine and its WhatsApp session, and attaches the engine as
// the control command handler.
func New(ctx context.Context, cfg *config.Config, machine *state.Machine, reg *registry.Registry, ctrl *control.Server, monitor *health.Monitor, threads *store.ThreadStore, dedup *store.DedupCache, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		machine:   machine,
		registry:  reg,
		ctrl:      ctrl,
		monitor:   monitor,
		threads:   threads,
		log:       log.With("component", "engine"),
		slackMsgs: make(chan slackbridge.Message, 100),
		baseCtx:   ctx,
	}

	wa, err := whatsapp.NewSession(ctx, &whatsapp.Config{
		StorePath: cfg.SessionPath,
		Machine:   machine,
		Monitor:   monitor,
		Notifier:  e,
		Bridges:   reg,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build whatsapp session: %w", err)
	}
	e.wa = wa
	e.waNative = wa
	e.router = router.New(wa, e, reg, e, threads, dedup, log)

	machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		e.log.Info("state transition", "from", from, "to", to, "trigger", trigger)
		ctrl.PublishState(to)
	})
	reg.OnChange(func(bridges []store.Bridge) {
		ctrl.PublishBridges(bridges)
	})
	ctrl.SetHandler(e)

	return e, nil
}

// WhatsApp exposes the group session (used by main for terminal QR rendering).
func (e *Engine) WhatsApp() *whatsapp.Session {
	return e.waNative
}

// Run publishes the initial configuration, brings up whatever subsystems the
// persisted credentials allow, and drives the router until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	e.ctrl.PublishBridges(e.registry.List())

	if bot, app := e.registry.Credentials(); bot != "" && app != "" {
		e.startSlack(ctx, bot, app)
	}

	if e.registry.HasActiveBridge() {
		e.log.Info("active bridge configured, starting whatsapp session")
		go func() {
			if err := e.wa.Start(ctx); err != nil {
				e.log.Error("whatsapp start failed", "error", err)
				e.ctrl.PublishLog(control.LevelError, "bridge", fmt.Sprintf("WhatsApp start failed: %v", err))
			}
		}()
	}

	e.router.Run(ctx, e.wa.Messages(), e.slackMsgs)
}

// Close shuts the subsystems down and flushes durable state.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.slackCancel != nil {
		e.slackCancel()
		e.slackCancel = nil
	}
	e.mu.Unlock()

	err := e.wa.Close()
	if flushErr := e.threads.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

func (e *Engine) startSlack(ctx context.Context, botToken, appToken string) {
	e.mu.Lock()
	if e.slackCancel != nil {
		e.slackCancel()
	}
	session := slackbridge.NewSession(botToken, appToken, e.log)
	sctx, cancel := context.WithCancel(ctx)
	e.slack = session
	e.slackCancel = cancel
	e.mu.Unlock()

	go func() {
		if err := session.Run(sctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("slack session stopped", "error", err)
			e.ctrl.PublishLog(control.LevelError, "slack", fmt.Sprintf("Slack connection stopped: %v", err))
		}
	}()
	go func() {
		for {
			select {
			case <-sctx.Done():
				return
			case msg := <-session.Messages():
				select {
				case e.slackMsgs <- msg:
				default:
					e.log.Warn("slack relay queue full, dropping message", "ts", msg.TS)
				}
			}
		}
	}()

	e.log.Info("slack subsystem started")
	e.ctrl.PublishLog(control.LevelSuccess, "slack", "Slack connection established")
}

func (e *Engine) slackSession() *slackbridge.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slack
}

func (e *Engine) base() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCtx
}

// --- control.CommandHandler ---

// HandleInit stores the Slack credentials, (re)starts the Slack subsystem,
// and replays current state so a freshly connected front end catches up.
func (e *Engine) HandleInit(_ context.Context, botToken, appToken string) {
	ctx := e.base()

	e.registry.SetCredentials(botToken, appToken)

	switch {
	case botToken == "":
		e.ctrl.PublishLog(control.LevelWarning, "slack", "Slack bot token missing, Slack subsystem inactive")
	case appToken == "":
		e.ctrl.PublishLog(control.LevelWarning, "slack", "Slack app token missing, Slack subsystem inactive")
	default:
		e.startSlack(ctx, botToken, appToken)
	}

	e.ctrl.PublishState(e.machine.MustState())
	e.ctrl.PublishBridges(e.registry.List())

	if e.wa.Ready() {
		go e.wa.RefreshGroups(ctx)
		return
	}
	go func() {
		if err := e.wa.Start(ctx); err != nil {
			e.log.Error("whatsapp start failed", "error", err)
		}
	}()
}

// HandleUpsertBridge stores the bridge and activates the session if the new
// configuration makes bridging possible.
func (e *Engine) HandleUpsertBridge(_ context.Context, b store.Bridge) {
	stored := e.registry.Upsert(b)
	e.ctrl.PublishLog(control.LevelInfo, "bridge", fmt.Sprintf("Bridge %q saved", stored.Name))
	e.maybeActivate(e.base())
}

// HandleDeleteBridge removes the bridge.
func (e *Engine) HandleDeleteBridge(_ context.Context, id string) {
	if err := e.registry.Delete(id); err != nil {
		e.log.Warn("delete bridge failed", "bridge_id", id, "error", err)
		e.ctrl.PublishLog(control.LevelWarning, "bridge", "Bridge not found")
	}
}

// HandleToggleBridge flips a bridge's active flag.
func (e *Engine) HandleToggleBridge(_ context.Context, id string, active bool) {
	if err := e.registry.Toggle(id, active); err != nil {
		e.log.Warn("toggle bridge failed", "bridge_id", id, "error", err)
		e.ctrl.PublishLog(control.LevelWarning, "bridge", "Bridge not found")
		return
	}
	e.maybeActivate(e.base())
}

// HandleReset clears the bridge targets and resets the WhatsApp session.
func (e *Engine) HandleReset(_ context.Context) {
	ctx := e.base()
	go func() {
		e.registry.ClearTargets()
		if err := e.wa.Reset(ctx); err != nil {
			if errors.Is(err, whatsapp.ErrResetInFlight) {
				e.log.Warn("reset ignored, already in progress")
				return
			}
			e.log.Error("reset failed", "error", err)
			e.ctrl.PublishLog(control.LevelError, "bridge", fmt.Sprintf("Reset failed: %v", err))
		}
	}()
}

// maybeActivate nudges the lifecycle after a registry change: start the
// session when one becomes worth running, or leave group selection when a
// bridge now targets a group.
func (e *Engine) maybeActivate(ctx context.Context) {
	switch e.machine.MustState() {
	case state.StateDisconnected, state.StateError:
		if e.registry.HasActiveBridge() {
			go func() {
				if err := e.wa.Start(ctx); err != nil {
					e.log.Error("whatsapp start failed", "error", err)
				}
			}()
		}
	case state.StateGroupSelection:
		if e.registry.HasActiveBridge() {
			_ = e.machine.Fire(ctx, state.TriggerBridgeActivated)
		}
	}
}

// --- whatsapp.Notifier ---

// PublishQR forwards a pairing payload to the control channel.
func (e *Engine) PublishQR(qr string) {
	e.ctrl.PublishQR(qr)
}

// PublishGroups forwards the joined group list to the control channel.
func (e *Engine) PublishGroups(groups []whatsapp.GroupInfo) {
	out := make([]control.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, control.Group{
			ID:               g.ID,
			Name:             g.Name,
			ParticipantCount: g.ParticipantCount,
			LastMessageTime:  g.LastMessageTime,
		})
	}
	e.ctrl.PublishGroups(out)
}

// PublishLog forwards a log event to the control channel, tagged with the
// originating subsystem. Shared by the session managers and the router.
func (e *Engine) PublishLog(level, source, message string) {
	e.ctrl.PublishLog(level, source, message)
}

// --- router.Notifier ---

// PublishTraffic forwards a traffic notification to the control channel.
func (e *Engine) PublishTraffic(platform, sender, content string) {
	e.ctrl.PublishTraffic(platform, sender, content)
}

// --- router.ChannelSession (proxy to the live Slack session) ---

// PostText delegates to the live Slack session.
func (e *Engine) PostText(ctx context.Context, channelID, text, threadTS string) (string, error) {
	s := e.slackSession()
	if s == nil {
		return "", slackbridge.ErrNotStarted
	}
	return s.PostText(ctx, channelID, text, threadTS)
}

// UploadFile delegates to the live Slack session.
func (e *Engine) UploadFile(ctx context.Context, channelID string, data []byte, filename, title, threadTS string) error {
	s := e.slackSession()
	if s == nil {
		return slackbridge.ErrNotStarted
	}
	return s.UploadFile(ctx, channelID, data, filename, title, threadTS)
}

// UserDisplayName delegates to the live Slack session, falling back to the id.
func (e *Engine) UserDisplayName(ctx context.Context, userID string) string {
	s := e.slackSession()
	if s == nil {
		return userID
	}
	return s.UserDisplayName(ctx, userID)
}

// DownloadFile delegates to the live Slack session.
func (e *Engine) DownloadFile(ctx context.Context, urlPrivate string) ([]byte, error) {
	s := e.slackSession()
	if s == nil {
		return nil, slackbridge.ErrNotStarted
	}
	return s.DownloadFile(ctx, urlPrivate)
}

var _ control.CommandHandler = (*Engine)(nil)
var _ whatsapp.Notifier = (*Engine)(nil)
var _ router.Notifier = (*Engine)(nil)
var _ router.ChannelSession = (*Engine)(nil)
