package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"relaychat/internal/config"
	"relaychat/internal/cryptographic/signature"
	"relaychat/internal/model"
	"relaychat/internal/service/client"
	"relaychat/internal/service/session"
	"relaychat/internal/utils/log"
)

func main() {
	cfgPath := flag.String("config", "client.toml", "path to the client config file")
	username := flag.String("username", "", "display name, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	if *username != "" {
		cfg.Username = *username
	}
	if lvl, perr := zapcore.ParseLevel(cfg.LogLevel); perr == nil {
		log.SetLevel(lvl)
	}
	if err := cfg.EnsureUserID(*cfgPath); err != nil {
		log.Fatal("persist user id failed", zap.Error(err))
	}

	identity, err := signature.LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		log.Fatal("load identity failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess := session.New(cfg.ServerURL, cfg.UserID, identity)
	if err := sess.Register(ctx, cfg.Username); err != nil {
		// Best effort; an existing registration still logs in fine.
		log.Warn("register failed", zap.Error(err))
	}
	if err := sess.Login(ctx); err != nil {
		log.Fatal("login failed", zap.Error(err))
	}

	cl := client.New(client.Config{
		ServerURL:         cfg.ServerURL,
		UserID:            cfg.UserID,
		Identity:          identity,
		Session:           sess,
		ReconnectInterval: cfg.ReconnectInterval.Duration,
	})
	if err := cl.Connect(ctx); err != nil {
		log.Fatal("connect failed", zap.Error(err))
	}

	go printInbound(cl)
	go readInput(cl)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	cl.Disconnect()
}

func printInbound(cl *client.Client) {
	for msg := range cl.Messages() {
		fmt.Printf("[%s] %s: %s\n", msg.Status, msg.From, msg.Content)
	}
}

// readInput drives the client from stdin: "recipient: text" sends a direct
// message, "/bcast text" broadcasts, "/who" lists active users.
func readInput(cl *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		switch {
		case line == "/who":
			online, offline, err := cl.ActiveUsers(ctx)
			if err != nil {
				log.Error("active users failed", zap.Error(err))
			} else {
				fmt.Printf("online: %v, offline: %v\n", online, offline)
			}
		case strings.HasPrefix(line, "/bcast "):
			send(ctx, cl, model.Broadcast, strings.TrimPrefix(line, "/bcast "))
		default:
			to, text, found := strings.Cut(line, ":")
			if !found {
				fmt.Println("usage: <recipient>: <message> | /bcast <message> | /who")
			} else {
				send(ctx, cl, strings.TrimSpace(to), strings.TrimSpace(text))
			}
		}
		cancel()
	}
}

func send(ctx context.Context, cl *client.Client, to, text string) {
	err := cl.SendMessage(ctx, &model.Message{To: to, Content: text})
	if err != nil {
		log.Error("send failed", zap.Error(err))
	}
}
