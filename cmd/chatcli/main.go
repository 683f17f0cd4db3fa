// Command chatcli is a line-oriented terminal client for the Turbo chat
// backend. It logs in through the REST API, bootstraps conversation state
// from the history fetch, and then bridges stdin to the realtime core.
//
// Usage:
//
//	chatcli -email alice@example.com [-server URL] [-ws URL] [-metrics :9109]
//
// Inside the session:
//
//	/dm <user>      switch to a direct conversation
//	/general        switch back to the broadcast channel
//	/react <id> <emoji>
//	/friends        list known users
//	/who            show typing and presence state
//	/secret <pass>  encrypt outgoing messages with a shared passphrase
//	/secret off     stop encrypting
//	/quit
//
// Anything else is sent as a message to the active conversation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/turbochat/client-go/internal/api"
	"github.com/turbochat/client-go/internal/chat"
	"github.com/turbochat/client-go/internal/config"
	"github.com/turbochat/client-go/internal/crypto"
	"github.com/turbochat/client-go/internal/metrics"
	"github.com/turbochat/client-go/internal/protocol"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "config file path")
	server := flag.String("server", "", "backend base URL")
	wsURL := flag.String("ws", "", "relay WebSocket URL")
	email := flag.String("email", "", "login email")
	password := flag.String("password", "", "login password (or TURBO_PASSWORD)")
	register := flag.Bool("register", false, "create the account before logging in")
	metricsAddr := flag.String("metrics", "", "Prometheus listen address, empty disables")
	historyLimit := flag.Int("history", 100, "messages to fetch at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("chatcli: load config: %v", err)
	}
	applyEnv(&cfg)
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *email != "" {
		cfg.Email = *email
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	pass := *password
	if pass == "" {
		pass = os.Getenv("TURBO_PASSWORD")
	}
	if cfg.Email == "" || pass == "" {
		log.Fatal("chatcli: -email and -password (or TURBO_PASSWORD) are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend := api.New(cfg.ServerURL)
	if *register {
		if err := backend.Register(ctx, cfg.Email, pass); err != nil {
			log.Fatalf("chatcli: register: %v", err)
		}
	}
	sess, err := backend.Login(ctx, cfg.Email, pass)
	if err != nil {
		log.Fatalf("chatcli: login: %v", err)
	}
	fmt.Printf("logged in as %s\n", sess.Identity())

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("chatcli: metrics listener: %v", err)
			}
		}()
	}

	// The active conversation target and the optional shared secret are read
	// by the print callback and written by the stdin loop.
	var (
		mu     sync.Mutex
		target string
		key    []byte
	)
	activeTarget := func() string {
		mu.Lock()
		defer mu.Unlock()
		return target
	}
	sharedKey := func() []byte {
		mu.Lock()
		defer mu.Unlock()
		return key
	}

	self := sess.Identity()
	client := chat.New(chat.Config{
		WSURL: cfg.WSURL,
		OnEvent: func(ev any) {
			printEvent(ev, self, activeTarget(), sharedKey())
		},
		OnConnection: func(connected bool) {
			if connected {
				fmt.Println("-- connected --")
			} else {
				fmt.Println("-- disconnected, retrying --")
			}
		},
	}, sess)
	defer client.Close()

	if history, err := backend.History(ctx, *historyLimit); err != nil {
		log.Printf("chatcli: history fetch failed, starting empty: %v", err)
	} else {
		client.Seed(history)
		fmt.Printf("loaded %d messages of history\n", len(history))
	}

	scanner := bufio.NewScanner(os.Stdin)
	prompt(activeTarget())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/general":
			mu.Lock()
			target = ""
			mu.Unlock()
		case line == "/who":
			fmt.Printf("typing: %v, %d active\n", client.Typing(), client.Presence())
		case line == "/friends":
			listFriends(ctx, backend)
		case strings.HasPrefix(line, "/dm "):
			mu.Lock()
			target = strings.TrimSpace(strings.TrimPrefix(line, "/dm "))
			mu.Unlock()
		case strings.HasPrefix(line, "/secret"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "/secret"))
			mu.Lock()
			switch arg {
			case "", "off":
				key = nil
				fmt.Println("encryption off")
			default:
				key = crypto.DeriveKey(arg, "")
				fmt.Println("encryption on")
			}
			mu.Unlock()
		case strings.HasPrefix(line, "/react "):
			fields := strings.Fields(line)
			if len(fields) != 3 {
				fmt.Println("usage: /react <message-id> <emoji>")
				break
			}
			client.React(fields[1], fields[2])
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %q\n", strings.Fields(line)[0])
		default:
			client.SendTyping()
			text := line
			if k := sharedKey(); k != nil {
				sealed, err := crypto.Encrypt(k, line)
				if err != nil {
					fmt.Printf("not sent: %v\n", err)
					break
				}
				text = sealed
			}
			if _, err := client.SendMessage(activeTarget(), text); err != nil {
				fmt.Printf("not sent: %v\n", err)
			}
		}
		prompt(activeTarget())
	}
}

// applyEnv layers environment overrides between the file and the flags.
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("TURBO_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("TURBO_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("TURBO_EMAIL"); v != "" {
		cfg.Email = v
	}
	if v := os.Getenv("TURBO_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

func prompt(target string) {
	if target == "" {
		fmt.Print("#general> ")
	} else {
		fmt.Printf("@%s> ", target)
	}
}

// printEvent renders one inbound event. Messages outside the active DM
// conversation are tagged so the user can see cross-talk without switching.
func printEvent(ev any, self, target string, key []byte) {
	switch e := ev.(type) {
	case protocol.MessageEvent:
		if e.Author.Is(self) {
			// Our own echo; the line is already on screen.
			return
		}
		text := e.Text
		if key != nil {
			// Not every message is sealed; plaintext passes through.
			if plain, err := crypto.Decrypt(key, e.Text); err == nil {
				text = plain
			}
		}
		ts := time.UnixMilli(e.Ts).Format("15:04:05")
		tag := ""
		if e.To != "" && !(target != "" && (e.Author.Is(target) || e.To == target)) {
			tag = " (dm)"
		}
		fmt.Printf("\n[%s]%s %s: %s", ts, tag, e.Author.DisplayName, text)
		for _, img := range e.Images {
			fmt.Printf("\n           attachment: %s (%d bytes)", img.URL, img.Filesize)
		}
		fmt.Printf("  [id %s]\n", e.ID)
	case protocol.ReactionEvent:
		fmt.Printf("\n%s reacted %s to %s\n", e.User, e.Emoji, e.ID)
	case protocol.TypingEvent:
		if e.Author != self {
			fmt.Printf("\n… %s is typing\n", e.Author)
		}
	case protocol.PresenceEvent:
		fmt.Printf("\n• %d active\n", e.Count)
	}
}

func listFriends(ctx context.Context, backend *api.Client) {
	friends, err := backend.Friends(ctx)
	if err != nil {
		fmt.Printf("friends: %v\n", err)
		return
	}
	for _, f := range friends {
		name := f.DisplayName
		if name == "" {
			name = f.Email
		}
		fmt.Printf("  %s <%s>\n", name, f.Email)
	}
}
