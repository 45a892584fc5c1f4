package main

import (
	"flag"
	"fmt"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"
	"rillcast/pkg/validation"
)

// runToken mints a bearer token with the configured secret:
//
//	rillcast token -room lobby -role operator -subject ops -ttl 24h
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	room := fs.String("room", "", `room the token is scoped to, "*" for every room`)
	role := fs.String("role", string(services.RolePublisher), "publisher or operator")
	subject := fs.String("subject", "", "who the token is issued to")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *room != services.AllRooms {
		if err := validation.ValidateRoomID(*room); err != nil {
			return err
		}
	}
	if *ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set")
	}

	token, err := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, *ttl).
		GenerateToken(*subject, domain.RoomID(*room), services.Role(*role))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
