package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/oklog/run"

	"rebalancer-go/config"
	"rebalancer-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envPath := flag.String("env", ".env", "环境变量文件，不存在则忽略")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "env failed: %v\n", err)
		os.Exit(1)
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	if err := c.Build(); err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		c.Logger().LogError(err, map[string]interface{}{"action": "start"})
		c.Stop()
		os.Exit(1)
	}

	// 非 systemd 环境下 SdNotify 返回 false，忽略即可
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		c.Logger().LogError(err, map[string]interface{}{"action": "sd_notify_ready"})
	}
	c.Logger().Info(fmt.Sprintf("rebalancer started, api on %s", c.APIAddr()))

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		wctx, wcancel := context.WithCancel(ctx)
		g.Add(func() error {
			watchdog(wctx, c)
			<-wctx.Done()
			return nil
		}, func(error) {
			wcancel()
		})
	}

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		c.Logger().Info("received signal " + sig.Signal.String() + ", shutting down")
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		os.Exit(1)
	}
}

// watchdog 在 WatchdogSec 的一半间隔内上报存活；组件不健康时停止上报，由 systemd 重启
func watchdog(ctx context.Context, c *container.Container) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().LogError(err, map[string]interface{}{"action": "watchdog"})
				continue
			}
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
