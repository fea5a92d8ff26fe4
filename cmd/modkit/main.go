package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"modkit/internal/app"
	"modkit/internal/module"
	"modkit/modules/echo"
	"modkit/modules/heartbeat"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Register modules (adding one is New() + Register)
	a.Register("echo", func() module.Module { return echo.New() })
	a.Register("heartbeat", func() module.Module { return heartbeat.New() })

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
