package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"

    "go.uber.org/zap"

    "taskgrid/pkg/config"
    "taskgrid/pkg/dispatch"
    "taskgrid/pkg/observability"
    "taskgrid/pkg/protocol"
    "taskgrid/pkg/worker"
)

// Options holds CLI options for the agent.
type Options struct {
    ConfigPath string
    ListenMode bool
}

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("taskgrid-agent started", zap.String("agent", cfg.AgentID))

    settlementKey, err := cfg.SettlementKeyBytes()
    if err != nil {
        zap.L().Error("settlement key", zap.Error(err))
        return 1
    }

    wcfg := worker.Config{
        AgentID:              cfg.AgentID,
        Secret:               cfg.SecretBytes(),
        CoordinatorAddr:      cfg.Coordinator.Addr,
        Transport:            cfg.Coordinator.Transport,
        Format:               wireFormat(cfg.Coordinator.Format),
        SettlementKey:        settlementKey,
        MaxConcurrency:       cfg.Tasks.MaxConcurrency,
        DefaultTaskTimeout:   cfg.Tasks.DefaultTimeout(),
        ResultRetryInterval:  cfg.Tasks.ResultRetry(),
        Heartbeat:            cfg.Coordinator.HeartbeatInterval(),
        ReconnectInitial:     cfg.Coordinator.ReconnectInitial(),
        ReconnectMax:         cfg.Coordinator.ReconnectMax(),
        ReconnectJitter:      cfg.Coordinator.ReconnectJitter(),
        ReconnectMaxAttempts: cfg.Coordinator.ReconnectMaxAttempts,
        SendQueueSize:        cfg.Coordinator.SendQueueSize,
        MalformedFrameLimit:  cfg.Coordinator.MalformedFrameLimit,
        ListenAddr:           cfg.Listen.Addr,
        ListenRate:           cfg.Listen.Rate,
        ListenBurst:          cfg.Listen.Burst,
        Logger:               logger,
        Metrics:              observability.NewMetrics(nil),
    }

    w, err := worker.New(wcfg)
    if err != nil {
        zap.L().Error("worker init", zap.Error(err))
        return 1
    }
    defer func() { _ = w.Close() }()

    w.OnConnected(func(sessionID string) {
        zap.L().Info("session established", zap.String("session", sessionID))
    })
    w.OnDisconnected(func() {
        zap.L().Warn("session lost, reconnecting")
    })
    w.OnError(func(err error) {
        zap.L().Warn("agent error", zap.Error(err))
    })
    w.OnTask(echoHandler)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    if opts.ListenMode || cfg.Listen.Enable {
        if err := w.Listen(ctx); err != nil {
            zap.L().Error("listen", zap.Error(err))
            return 1
        }
        zap.L().Info("ingress serving", zap.String("addr", w.IngressAddr()))
    } else {
        if err := w.Connect(ctx); err != nil {
            zap.L().Error("connect", zap.Error(err))
            return 1
        }
        zap.L().Info("dialing coordinator", zap.String("addr", cfg.Coordinator.Addr))
    }

    sig := make(chan os.Signal, 1)
    signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
    s := <-sig
    zap.L().Info("shutting down", zap.String("signal", s.String()))
    return 0
}

// echoHandler is the built-in placeholder workload: it returns the task
// description unchanged. Embedders replace it via worker.OnTask.
func echoHandler(ctx context.Context, t *dispatch.Task) ([]byte, error) {
    zap.L().Info("running task", zap.String("task", t.ID), zap.Int("bytes", len(t.Description)))
    return t.Description, nil
}

func wireFormat(name string) protocol.Format {
    if name == "cbor" {
        return protocol.FormatCBOR
    }
    return protocol.FormatJSON
}
