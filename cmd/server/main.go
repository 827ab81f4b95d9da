package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"mechlink/internal/auth"
	"mechlink/internal/config"
	"mechlink/internal/engine"
	"mechlink/internal/presence"
	"mechlink/internal/relay"
	"mechlink/internal/server"
	"mechlink/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	hub := relay.New()
	tracker := presence.NewTracker()
	eng := engine.New(st, hub, engine.LogNotifier{})
	coordinator := engine.NewJoinCoordinator(eng)

	sweeper := engine.NewSweeper(eng, cfg.SweepInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "mechlink",
	}

	router := server.NewRouter(server.Deps{
		Store:       st,
		Engine:      eng,
		Coordinator: coordinator,
		Hub:         hub,
		Tracker:     tracker,
		TokenConfig: tokenCfg,
	})
	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, router))
}
