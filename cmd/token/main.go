// Command token mints a bearer token for local runs against a server started
// with JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
)

func main() {
	user := flag.String("user", "", "user id (rider or driver)")
	role := flag.String("role", "rider", "rider or driver")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv: %v\n", err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET and -user are required")
		os.Exit(2)
	}
	tok, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer).Issue(*user, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
