package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"extractd/internal/httpapi"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

const (
	defaultAddr = "http://127.0.0.1:8080"

	envAddr  = "EXTRACTD_ADDR"
	envToken = "EXTRACTD_TOKEN"
)

// Stdout is where command output goes; tests swap it.
var Stdout io.Writer = os.Stdout

// LoadEnv loads the dotenv file when present. A missing file is not an error
// so the daemon can run from the process environment alone.
func LoadEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// newClient builds an API client from --addr/--token, falling back to
// EXTRACTD_ADDR and EXTRACTD_TOKEN.
func newClient(cmd *cli.Command) (*httpapi.Client, error) {
	if err := LoadEnv(cmd.String("env")); err != nil {
		return nil, err
	}
	addr := firstNonEmpty(cmd.String("addr"), os.Getenv(envAddr), defaultAddr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	token := firstNonEmpty(cmd.String("token"), os.Getenv(envToken))
	return httpapi.NewClient(addr, token), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func printJSON(v any) error {
	enc := json.NewEncoder(Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ClientFlags are shared by every command that talks to a running daemon.
func ClientFlags(extra ...cli.Flag) []cli.Flag {
	base := []cli.Flag{
		&cli.StringFlag{
			Name:  "env",
			Usage: "dotenv file path",
			Value: ".env",
		},
		&cli.StringFlag{
			Name:  "addr",
			Usage: "daemon API address (default $" + envAddr + " or " + defaultAddr + ")",
		},
		&cli.StringFlag{
			Name:  "token",
			Usage: "API bearer token (default $" + envToken + ")",
		},
	}
	return append(base, extra...)
}
