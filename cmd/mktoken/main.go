// Command mktoken issues a session token for a user id using the server's
// JWT settings, for local testing with the /test page or a WebSocket client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/config"
)

func main() {
	user := pflag.StringP("user", "u", "", "user id to put in the token")
	lifetime := pflag.DurationP("lifetime", "l", 0, "token lifetime (defaults to JWT_LIFETIME)")
	pflag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: mktoken --user <id> [--lifetime 1h]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *lifetime > 0 {
		cfg.JWT.Lifetime = *lifetime
	}

	tokens, err := auth.NewManager(auth.Config{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Lifetime: cfg.JWT.Lifetime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "token manager: %v\n", err)
		os.Exit(1)
	}

	token, err := tokens.Issue(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
