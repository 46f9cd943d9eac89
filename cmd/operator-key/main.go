// Command operator-key prints the OPERATOR_KEY_HASH value for an operator
// key read from OPERATOR_KEY or the first line of stdin.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"hexpulse/api/internal/auth"
	"hexpulse/api/internal/logging"
)

func main() {
	_ = godotenv.Load()
	logging.Init(logging.Config{Level: os.Getenv("LOG_LEVEL"), Format: "console"})

	key := os.Getenv("OPERATOR_KEY")
	if strings.TrimSpace(key) == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			logging.Fatal().Err(err).Msg("read operator key from stdin")
		}
		key = strings.TrimRight(line, "\r\n")
	}

	hash, err := auth.HashOperatorKey(key)
	if err != nil {
		logging.Fatal().Err(err).Msg("hash operator key")
	}
	fmt.Println(hash)
}
