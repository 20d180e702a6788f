// Command coinjoin-token issues bearer tokens for the coinjoind API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
	"github.com/R3E-Network/coinjoin/internal/app/httpapi"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "Optional .env file providing COINJOIN_JWT_SECRET")
		subject = flag.String("address", "", "Caller address carried as the token subject")
		ttl     = flag.Duration("ttl", 24*time.Hour, "Token lifetime; zero issues a token without expiry")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}
	secret := os.Getenv("COINJOIN_JWT_SECRET")
	if secret == "" {
		log.Fatalf("COINJOIN_JWT_SECRET is not set")
	}
	if *subject == "" {
		log.Fatalf("-address is required")
	}

	token, err := httpapi.IssueToken([]byte(secret), domain.Address(*subject), *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
