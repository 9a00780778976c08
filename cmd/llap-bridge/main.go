// llap-bridge 在串口无线电台与 UDP 广播总线之间转发 LLAP 消息
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/app"
	"github.com/linjuya-lu/device-llap-go/internal/config"
)

func main() {
	path := flag.String("config", os.Getenv("LLAP_CONFIG"), "网桥 YAML 配置文件路径（默认读取 LLAP_CONFIG）")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}
	lc := logger.NewClient("llap-bridge", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-quit
		lc.Infof("收到信号 %s，正在停止", s)
		cancel()
	}()

	b := app.NewBridge(cfg, lc)
	if err := b.Run(ctx); err != nil {
		lc.Errorf("网桥异常退出: %v", err)
		cancel()
		os.Exit(1)
	}
	lc.Info("网桥已停止")
}
