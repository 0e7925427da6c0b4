// Command gen-token prints HS256 tokens accepted by the board server in AUTH0_TEST_MODE.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "board-user", "user ID, or its prefix when count > 1")
		audience = flag.String("audience", "", "aud claim")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		output   = flag.String("output", "", "file to write all tokens to as a JSON array")
	)
	flag.Parse()

	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		log.Fatal("TEST_JWT_SECRET must be set")
	}
	tokens, err := generateTokens([]byte(secret), *prefix, *audience, *count, *ttl, time.Now())
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		data, err := sonic.Marshal(tokens)
		if err != nil {
			log.Fatalf("encode tokens: %v", err)
		}
		if err := os.WriteFile(*output, append(data, '\n'), 0o600); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func generateTokens(secret []byte, prefix, audience string, count int, ttl time.Duration, now time.Time) ([]string, error) {
	if count < 1 {
		return nil, errors.New("count must be at least 1")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	tokens := make([]string, count)
	for i := range tokens {
		userID := prefix
		if count > 1 {
			userID = fmt.Sprintf("%s-%d", prefix, i+1)
		}
		claims := jwt.MapClaims{
			"sub": userID,
			"iat": now.Unix(),
			"exp": now.Add(ttl).Unix(),
		}
		if audience != "" {
			claims["aud"] = audience
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}
