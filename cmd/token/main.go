package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"creditgen-go/internal/common"
	"creditgen-go/internal/config"
	"creditgen-go/internal/server"

	"go.uber.org/zap"
)

// Prints a bearer token for local testing against JWT_SECRET.
func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "User id to embed (required)")
	ttlFlag := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *userFlag == "" {
		zap.L().Fatal("The --user flag is required")
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.HTTP.JWTSecret == "" {
		zap.L().Fatal("JWT_SECRET is not set")
	}

	token, err := server.GenerateToken(*userFlag, []byte(cfg.HTTP.JWTSecret), *ttlFlag)
	if err != nil {
		zap.L().Fatal("Failed to sign token", zap.Error(err))
	}
	fmt.Fprintln(os.Stdout, token)
}
