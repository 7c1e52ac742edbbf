package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"courier-feed-go/config"
	"courier-feed-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径，留空则使用内置的开发配置")
	apiAddr := flag.String("apiAddr", "", "覆盖 server.apiAddr")
	balance := flag.String("balance", "", "覆盖钱包余额，例如 2000")
	flag.Parse()

	var (
		c   *container.Container
		err error
	)
	if *cfgPath != "" {
		c, err = container.New(*cfgPath)
		if err != nil {
			log.Fatalf("加载配置失败: %v", err)
		}
		if *apiAddr != "" || *balance != "" {
			log.Printf("配置文件模式下忽略 -apiAddr/-balance，请修改 %s", *cfgPath)
		}
	} else {
		cfg := config.Default()
		if *apiAddr != "" {
			cfg.Server.APIAddr = *apiAddr
		}
		if *balance != "" {
			cfg.Session.WalletBalance = *balance
		}
		if v := os.Getenv("COURIER_WALLET_BALANCE"); v != "" && *balance == "" {
			cfg.Session.WalletBalance = v
		}
		c = container.NewWithConfig(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildCtx, buildCancel := context.WithTimeout(ctx, 10*time.Second)
	err = c.Build(buildCtx)
	buildCancel()
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	// 非 systemd 环境下 SdNotify 返回 false, nil
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify ready: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("停止时出错: %v", err)
		os.Exit(1)
	}
}
