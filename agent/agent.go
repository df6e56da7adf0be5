package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/guseggert/subserver/agent/channel"
	"github.com/guseggert/subserver/agent/command"
	"github.com/guseggert/subserver/agent/installer"
	"github.com/guseggert/subserver/agent/supervisor"
	"github.com/guseggert/subserver/internal/config"
	"github.com/guseggert/subserver/internal/files"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent supervises one server process on behalf of a remote controller.
// It dials the controller, executes the commands it sends, and answers state queries.
type Agent struct {
	logger *zap.SugaredLogger

	root     string
	identity *config.Store

	supervisorOpts []supervisor.Option
	installerOpts  []installer.Option
	channelOpts    []channel.Option

	supervisor *supervisor.Supervisor
	installer  *installer.Installer
	channel    *channel.Channel
}

type Option func(a *Agent)

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(a *Agent) {
		a.supervisorOpts = append(a.supervisorOpts, opts...)
	}
}

func WithInstallerOptions(opts ...installer.Option) Option {
	return func(a *Agent) {
		a.installerOpts = append(a.installerOpts, opts...)
	}
}

// WithReconnectBackoff sets the bounds of the backoff between controller connection attempts.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(a *Agent) {
		a.channelOpts = append(a.channelOpts, channel.WithBackoff(min, max))
	}
}

// NewAgent constructs an agent working in the root directory, which holds the server, plugins, config and worlds dirs.
func NewAgent(root string, identity *config.Store, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:   logger.Sugar(),
		root:     root,
		identity: identity,
	}
	for _, o := range opts {
		o(a)
	}

	serverDir := filepath.Join(root, files.ServerDir)
	supLog := a.logger.Named("supervisor")
	a.supervisor = supervisor.New(identity, serverDir, append([]supervisor.Option{
		supervisor.WithLogger(supLog),
		supervisor.WithTransitionHook(func(from, to supervisor.State) {
			supLog.Infow("server state changed", "From", from, "To", to)
		}),
	}, a.supervisorOpts...)...)

	a.installer = installer.New(a.logger.Named("installer"), identity, a.supervisor, serverDir, a.installerOpts...)

	id := identity.Snapshot()
	connectURL, err := channel.ConnectURL(id.URI, id.ServerName)
	if err != nil {
		return nil, fmt.Errorf("building controller URL: %w", err)
	}
	a.channel = channel.New(connectURL, append([]channel.Option{
		channel.WithLogger(a.logger.Named("channel")),
	}, a.channelOpts...)...)

	return a, nil
}

// Run runs the agent until ctx is done, then stops the server.
func (a *Agent) Run(ctx context.Context) error {
	err := files.EnsureWorkDirs(a.root)
	if err != nil {
		return fmt.Errorf("creating working directories: %w", err)
	}

	id := a.identity.Snapshot()
	a.logger.Infow("agent starting", "ServerName", id.ServerName, "URI", id.URI, "ServerJar", id.ServerJar)

	err = a.channel.Run(ctx, a)
	a.logger.Infow("controller channel closed, stopping server", "Error", err)

	// the caller's context is already done, so the stop gets a fresh one bounded by the stop timeout
	_, stopErr := a.supervisor.Stop(context.Background())
	if stopErr != nil {
		return fmt.Errorf("stopping server: %w", stopErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Dispatch executes a single command from the controller.
func (a *Agent) Dispatch(ctx context.Context, cmd command.Command, r channel.Replier) {
	log := a.logger.With("Command", cmd.Tag)
	switch cmd.Tag {
	case command.Start:
		st, err := a.supervisor.Start()
		logResult(log, st, err)
	case command.Stop:
		st, err := a.supervisor.Stop(ctx)
		logResult(log, st, err)
	case command.Restart:
		st, err := a.supervisor.Restart(ctx)
		logResult(log, st, err)
	case command.AcceptCore:
		err := a.installer.AcceptCore(ctx, cmd.Artifact)
		if err != nil {
			log.Errorw("core installation failed", "Artifact", cmd.Artifact, "Error", err)
		}
	case command.AcceptPlugin, command.AcceptConfig, command.AcceptWorld:
		log.Warn("command not implemented, ignoring")
	case command.GetState:
		reply := command.StatusReply{
			Server: a.identity.Snapshot().ServerName,
			State:  a.supervisor.State(),
		}
		err := r.Reply(ctx, reply)
		if err != nil {
			log.Warnw("error sending state", "Error", err)
		}
	default:
		log.Warn("unknown command, ignoring")
	}
}

func logResult(log *zap.SugaredLogger, st supervisor.State, err error) {
	if err != nil {
		log.Errorw("command failed", "State", st, "Error", err)
		return
	}
	log.Debugw("command done", "State", st)
}
