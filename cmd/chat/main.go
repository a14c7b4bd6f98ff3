// Command chat is a terminal client for the realtime gateway. It is the
// reference composition root: one transport, one client, constructed here and
// handed to whatever needs them.
//
// Commands:
//
//	/join <conversation-uuid>   join a conversation
//	/leave                      leave the current conversation
//	/typing                     signal typing in the current conversation
//	/quit                       disconnect and exit
//	anything else               send as a message to the current conversation
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/realtime/config"
	"github.com/tullo/realtime/internal/auth"
	"github.com/tullo/realtime/internal/realtime"
	"github.com/tullo/realtime/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	token := os.Getenv("RT_TOKEN")
	if token == "" {
		log.Fatal("RT_TOKEN must be set (obtain one from the gateway's /auth/login)")
	}
	if expiry, err := auth.TokenExpiry(token); err == nil && time.Now().After(expiry) {
		log.Fatalf("RT_TOKEN expired at %s; log in again", expiry.Format(time.RFC3339))
	}

	tr := transport.NewWS(cfg.Client.ServerURL)
	client := realtime.New(tr, realtime.Options{
		Credentials:          func() (string, error) { return token, nil },
		HeartbeatInterval:    cfg.Client.HeartbeatInterval,
		TypingTTL:            cfg.Client.TypingTTL,
		QueueCapacity:        cfg.Client.QueueCapacity,
		ReconnectBaseDelay:   cfg.Client.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Client.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
	})

	sub := client.Bus().Subscribe()
	go printEvents(sub)

	if err := client.Connect(context.Background()); err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	fmt.Println("connected; /join a conversation to start chatting")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			client.Disconnect()
			return

		case strings.HasPrefix(line, "/join "):
			id, err := uuid.Parse(strings.TrimPrefix(line, "/join "))
			if err != nil {
				fmt.Println("not a conversation id:", err)
				continue
			}
			if err := client.JoinConversation(id); err != nil {
				fmt.Println("join failed:", err)
			}

		case line == "/leave":
			if err := client.LeaveConversation(); err != nil {
				fmt.Println("leave failed:", err)
			}

		case line == "/typing":
			if conv := client.CurrentConversation(); conv != uuid.Nil {
				client.StartTyping(conv)
			} else {
				fmt.Println("join a conversation first")
			}

		default:
			conv := client.CurrentConversation()
			if conv == uuid.Nil {
				fmt.Println("join a conversation first")
				continue
			}
			client.StopTyping(conv)
			if _, err := client.SendMessage(conv, line, "text"); err != nil {
				fmt.Println("send failed:", err)
			}
		}
	}

	client.Disconnect()
}

func printEvents(sub *realtime.Subscription) {
	for p := range sub.C {
		switch p.Kind {
		case realtime.KindStateChange:
			fmt.Printf("* connection %s\n", p.State)
		case realtime.KindMessageReceived:
			fmt.Printf("[%s] %s: %s\n", p.Message.ConversationID, p.Message.SenderID, p.Message.Body)
		case realtime.KindMessageAcked:
			fmt.Printf("* sent (%s)\n", p.Ack.MessageID)
		case realtime.KindMessageRead:
			fmt.Printf("* read by %s\n", p.Receipt.UserID)
		case realtime.KindUserTyping:
			fmt.Printf("* %s is typing…\n", p.UserID)
		case realtime.KindUserStoppedTyping:
			fmt.Printf("* %s stopped typing\n", p.UserID)
		case realtime.KindUserOnline:
			fmt.Printf("* %s is online\n", p.Presence.UserID)
		case realtime.KindUserOffline:
			fmt.Printf("* %s went offline\n", p.Presence.UserID)
		case realtime.KindAuthError:
			fmt.Printf("! auth error: %s\n", p.Err.Message)
		case realtime.KindMaxReconnectFailed:
			fmt.Printf("! gave up reconnecting: %s\n", p.Err.Message)
		case realtime.KindServerError:
			fmt.Printf("! server error: %s\n", p.Err.Message)
		}
	}
}
