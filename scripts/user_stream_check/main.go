package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"copytrade-core/internal/engine"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/exchanges/binance/futures_usdt"
	"copytrade-core/pkg/logger"
)

// Opens the USDT-M user data stream for the key pair in CHECK_API_KEY /
// CHECK_API_SECRET and logs every order update that would wake a monitor.
//
// Usage:
//
//	go run ./scripts/user_stream_check
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	zlog, err := logger.New("debug", "console")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	client := futures_usdt.NewClient(futures_usdt.Config{
		APIKey:    os.Getenv("CHECK_API_KEY"),
		APISecret: os.Getenv("CHECK_API_SECRET"),
		Testnet:   cfg.BinanceTestnet,
		Logger:    zlog,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Println("=== User stream check starting (Ctrl+C to stop) ===")
	engine.NewWakeStream(client, func() bool {
		log.Println("🔄 ORDER_TRADE_UPDATE received")
		return true
	}, zlog).Run(ctx)
}
