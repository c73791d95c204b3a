// chatcli is a terminal chat client against a NestChat deployment: it
// resolves the partner through the gateway, attaches to the shared
// conversation channel, replays history, and sends lines typed on
// stdin. Useful for poking at a running stack without the web client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lalith-99/nestchat/internal/auth"
	"github.com/lalith-99/nestchat/internal/chatclient"
	"github.com/lalith-99/nestchat/internal/config"
	"github.com/lalith-99/nestchat/internal/models"
	"github.com/lalith-99/nestchat/internal/observ"
	"github.com/lalith-99/nestchat/internal/realtime"
	"github.com/lalith-99/nestchat/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		gatewayURL   = flag.String("gateway", "http://localhost:8081", "chat gateway base URL")
		redisURL     = flag.String("redis", config.GetEnv("REDIS_URL", "redis://localhost:6379"), "realtime transport redis URL")
		userID       = flag.String("user", "", "your user id (identity subject)")
		email        = flag.String("email", "", "your email")
		name         = flag.String("name", "", "your display name")
		partnerEmail = flag.String("partner", "", "partner email to chat with")
		token        = flag.String("token", "", "bearer token; omit to mint one with -secret")
		secret       = flag.String("secret", config.GetEnv("JWT_SECRET", "dev-secret-change-me"), "dev JWT secret for minting a token")
	)
	flag.Parse()

	if *userID == "" || *email == "" || *partnerEmail == "" {
		return fmt.Errorf("-user, -email and -partner are required")
	}

	logger, err := observ.NewLogger("development", "warn")
	if err != nil {
		return err
	}
	defer logger.Sync()

	bearer := *token
	if bearer == "" {
		bearer, err = auth.GenerateToken(*userID, *email, *name, *secret, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("mint dev token: %w", err)
		}
	}

	gateway := chatclient.NewClient(*gatewayURL, chatclient.StaticToken(bearer))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ref, err := gateway.CreateChat(ctx, *partnerEmail)
	if err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	fmt.Printf("chatting with %s <%s>\n", ref.Partner.Name, ref.Partner.Email)

	manager := realtime.NewConnManager(func(ctx context.Context) (transport.Transport, error) {
		return transport.NewRedisTransport(ctx, *redisURL, logger)
	})

	self := models.PartnerIdentity{UserID: *userID, Name: *name, Email: *email}

	session, err := chatclient.NewSession(manager, gateway, self, ref.Partner, realtime.Options{
		OnMessage: func(msg models.ChannelMessage) {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format("15:04"), msg.Sender, msg.Text)
		},
		OnStateChange: func(state realtime.State, err error) {
			if err != nil {
				fmt.Printf("-- channel %s: %v\n", state, err)
				return
			}
			fmt.Printf("-- channel %s\n", state)
		},
	}, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Open(ctx); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := session.Send(ctx, line); err != nil {
				fmt.Printf("-- %v\n", err)
			}
		}
		cancel()
	}()

	<-ctx.Done()
	fmt.Println("bye")
	return nil
}
