// Command dmtail prints normalized realtime message events, one JSON object per line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/app"
	"github.com/orbitthread/dmsync/internal/config"
	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/model/dm"
	"github.com/orbitthread/dmsync/internal/realtime"
)

// line is one printed event.
type line struct {
	Kind    dm.ChangeKind `json:"kind"`
	Message dm.Message    `json:"message"`
	At      time.Time     `json:"at"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] no .env file, using process environment: %v", err)
	}

	conversationID := flag.String("conversation", "", "conversation id to tail")
	inbox := flag.Bool("inbox", false, "tail new messages across every conversation of the actor")
	timeout := flag.Duration("timeout", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	if (*conversationID == "") == !*inbox {
		flag.Usage()
		log.Fatal("exactly one of -conversation or -inbox is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger, err := logging.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if err := run(ctx, cfg, logger, *conversationID, *inbox, os.Stdout); err != nil {
		log.Fatalf("dmtail: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, conversationID string, inbox bool, out io.Writer) error {
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var sub *realtime.Subscription
	if inbox {
		actor, err := a.Service.CurrentActor(ctx)
		if err != nil {
			return err
		}
		sub, err = a.Adapter.SubscribeInbox(ctx, actor)
		if err != nil {
			return fmt.Errorf("subscribe inbox: %w", err)
		}
	} else {
		sub, err = a.Adapter.SubscribeConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("subscribe conversation: %w", err)
		}
	}
	defer sub.Close()

	return tail(ctx, sub, out)
}

// tail writes events until ctx ends or the subscription closes.
func tail(ctx context.Context, sub *realtime.Subscription, out io.Writer) error {
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			if err := enc.Encode(line{Kind: ev.Kind, Message: ev.Message, At: time.Now().UTC()}); err != nil {
				return err
			}
		}
	}
}
