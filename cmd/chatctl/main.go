// Command chatctl is a terminal client for chat-ledger. Conversations are
// mirrored locally in a bbolt file, or in redis when -redis is set.
package main

import (
	"chat-ledger/internal/client"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/mirror"
	"chat-ledger/internal/ratelimit"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	global := flag.NewFlagSet("chatctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	server := global.String("server", envOr("CHATCTL_SERVER", "http://localhost:8080"), "chat-ledger base URL.")
	cachePath := global.String("cache", envOr("CHATCTL_CACHE", defaultCachePath()), "bbolt file holding the local mirror.")
	redisAddr := global.String("redis", os.Getenv("CHATCTL_REDIS"), "Keep the mirror in redis at this address instead of bbolt.")
	logLevel := global.String("log-level", envOr("LOG_LEVEL", "warn"), "debug, info, warn or error.")
	global.Usage = func() { writeHelp(stderr) }

	if err := global.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	logger.SetLevel(*logLevel)
	logger.Log.SetOutput(stderr)

	rest := global.Args()
	if len(rest) == 0 || rest[0] == "help" {
		writeHelp(stdout)
		if len(rest) == 0 {
			return exitUsage
		}
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cache, closeCache, err := openCache(*cachePath, *redisAddr)
	if err != nil {
		fmt.Fprintf(stderr, "chatctl: %v\n", err)
		return exitError
	}
	defer closeCache()

	c, err := newCLI(ctx, cache, *server, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "chatctl: %v\n", err)
		return exitError
	}

	if err := c.dispatch(ctx, rest); err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(stderr, "chatctl: %v\n", err)
			return exitUsage
		}
		fmt.Fprintf(stderr, "chatctl: %v\n", err)
		return exitError
	}
	return exitOK
}

func openCache(path, redisAddr string) (mirror.Cache, func(), error) {
	if redisAddr != "" {
		rdb, err := ratelimit.NewRedisClient(redisAddr, os.Getenv("CHATCTL_REDIS_PASSWORD"), 0)
		if err != nil {
			return nil, nil, err
		}
		return mirror.NewRedisCache(rdb, "", 0), func() { rdb.Close() }, nil
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	bolt, err := mirror.OpenBoltCache(path)
	if err != nil {
		return nil, nil, err
	}
	return bolt, func() { bolt.Close() }, nil
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "chatctl", "mirror.db")
	}
	return "chatctl.db"
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// newCLI restores the mirror and the saved token from cache.
func newCLI(ctx context.Context, cache mirror.Cache, server string, stdout io.Writer) (*cli, error) {
	var opts []client.Option
	if token, err := cache.Get(ctx, tokenKey); err == nil {
		opts = append(opts, client.WithToken(string(token)))
	} else if !errors.Is(err, mirror.ErrCacheMiss) {
		return nil, err
	}
	api := client.New(server, opts...)

	manager, err := mirror.NewManager(ctx, cache, mirror.WithSource(api))
	if err != nil {
		return nil, fmt.Errorf("restoring mirror: %w", err)
	}
	return &cli{cache: cache, api: api, mirror: manager, out: stdout}, nil
}

func writeHelp(w io.Writer) {
	fmt.Fprint(w, `chatctl - terminal client for chat-ledger

Usage:
  chatctl [global flags] <command> [args]

Global flags:
  -server URL       server base URL (CHATCTL_SERVER)
  -cache PATH       bbolt mirror file (CHATCTL_CACHE)
  -redis ADDR       keep the mirror in redis (CHATCTL_REDIS)
  -log-level LEVEL  debug, info, warn or error

Commands:
  register -email E -password P   create an account and keep its token
  login -email E -password P      sign in and keep the token
  new                             start a conversation and make it active
  list                            list conversations, newest first
  use ID                          make ID the active conversation
  show [ID]                       print messages (active by default)
  send [-model M] [-persona P] TEXT
                                  send TEXT in the active conversation
  rename ID TITLE                 rename a conversation
  clear [ID]                      wipe messages, keep the conversation
  delete ID                       delete locally and on the server
  search [-case] [-word] QUERY    search titles and messages
  sync                            pull the server's chat list
  usage [ID]                      token usage of a conversation
  export [-o FILE]                write all conversations as JSON
  import FILE                     replace local conversations from an export
  credits [add MODEL N]           show or top up local model credits
`)
}
