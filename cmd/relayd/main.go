package main

import (
	"flag"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/relaybot/relayd/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "path to relayd.toml (optional)")
	flag.Parse()

	// A missing .env is fine; env vars may come from the environment proper.
	_ = godotenv.Load()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
