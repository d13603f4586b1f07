package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stemsi/exroom-backend/internal/config"
	"github.com/stemsi/exroom-backend/internal/model"
	"github.com/stemsi/exroom-backend/internal/service"
	"golang.org/x/term"
)

// issue-token mints a development access token. Identity is owned by an
// external provider in production; this only signs the same claims.
func main() {
	var (
		userID       string
		name         string
		role         string
		expiry       time.Duration
		promptSecret bool
	)
	flag.StringVarP(&userID, "user", "u", "", "User ID to put in the token")
	flag.StringVarP(&name, "name", "n", "", "Display name")
	flag.StringVarP(&role, "role", "r", string(model.RoleStudent), "Role: teacher or student")
	flag.DurationVar(&expiry, "expiry", 0, "Token lifetime (defaults to JWT_EXPIRY_HOURS)")
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	secret := cfg.JWTSecret
	if expiry <= 0 {
		expiry = cfg.JWTExpiry
	}

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	if userID == "" {
		fmt.Print("Enter User ID: ")
		userID, _ = reader.ReadString('\n')
		userID = strings.TrimSpace(userID)
	}
	if userID == "" {
		fmt.Println("Error: User ID is required")
		os.Exit(1)
	}
	if name == "" {
		name = userID
	}

	if promptSecret {
		fmt.Print("Enter Signing Secret: ")
		byteSecret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after secret input
		if err != nil {
			fmt.Println("Error reading secret")
			os.Exit(1)
		}
		secret = string(byteSecret)
	}
	if len(secret) < 16 {
		fmt.Println("Error: signing secret must be at least 16 characters")
		os.Exit(1)
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	auth := service.NewAuthService(secret, expiry)
	token, err := auth.IssueToken(userID, name, model.Role(role))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Issued %s token for %q, valid for %s\n", role, userID, expiry)
	fmt.Println(token)
}
