package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/johnquangdev/discovery-sync/pkg/config"
	"github.com/johnquangdev/discovery-sync/pkg/jwt"
)

// Issues an API token signed with JWT_ACCESS_SECRET, e.g. for the webhook sender:
//
//	go run ./cmd/token -caller webhook -scopes sync -ttl 720h
func main() {
	caller := flag.String("caller", "", "name of the API caller")
	scopes := flag.String("scopes", jwt.ScopeSync, "comma-separated scopes: sync, read, admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *caller == "" {
		log.Fatal("-caller is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.AuthEnabled() {
		log.Fatal("JWT_ACCESS_SECRET is not set; API auth is disabled")
	}

	var granted []string
	for _, s := range strings.Split(*scopes, ",") {
		switch s = strings.TrimSpace(s); s {
		case jwt.ScopeSync, jwt.ScopeRead, jwt.ScopeAdmin:
			granted = append(granted, s)
		case "":
		default:
			log.Fatalf("unknown scope %q", s)
		}
	}

	token, err := jwt.NewManager(cfg.JWT.AccessSecret, cfg.JWT.Issuer).GenerateAccessToken(*caller, granted, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
