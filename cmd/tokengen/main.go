// Command tokengen mints bearer tokens for the task ingress API. It reads
// the signing secret from the same STAGEHAND_AUTH_JWT_SECRET variable the
// server uses, so a token minted here validates against a server sharing
// that secret.
//
// Usage:
//
//	STAGEHAND_AUTH_JWT_SECRET=... tokengen -client reporting-batch [-lifetime 60]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/phrazzld/stagehand/internal/config"
	"github.com/phrazzld/stagehand/internal/service/auth"
)

func main() {
	clientID := flag.String("client", "", "client identifier to embed in the token (required)")
	lifetime := flag.Int("lifetime", 60, "token lifetime in minutes")
	flag.Parse()

	if *clientID == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -client is required")
		flag.Usage()
		os.Exit(2)
	}

	secret := os.Getenv("STAGEHAND_AUTH_JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "tokengen: STAGEHAND_AUTH_JWT_SECRET is not set")
		os.Exit(2)
	}

	jwtService, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:            secret,
		TokenLifetimeMinutes: *lifetime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}

	token, err := jwtService.GenerateToken(context.Background(), *clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: failed to generate token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
