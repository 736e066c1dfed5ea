package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-cli/ui"
	"github.com/zerotyping/ingest-pipeline/internal/cache"
	"github.com/zerotyping/ingest-pipeline/internal/pipeline"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
)

var watchCmd = &cobra.Command{
	Use:   "watch <sessionId>",
	Short: "Follow the progress of a running session",
	Long: `Follow a session started through the API server. Events are read from the
Redis progress mirror, so the server must run with the redis snapshot driver.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := cache.NewRedisClient(cache.RedisConfig{
		Addr:     cfg.Snapshot.Redis.Addr,
		Password: cfg.Snapshot.Redis.Password,
		DB:       cfg.Snapshot.Redis.DB,
		PoolSize: cfg.Snapshot.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	// Subscribe before reading the snapshot so no event falls in between.
	msgs, unsubscribe, err := client.Subscribe(ctx, progress.Topic(sessionID))
	if err != nil {
		return err
	}
	defer unsubscribe()

	view := ui.NewProgressView(os.Stderr)

	snap, err := latestSnapshot(ctx, client, sessionID)
	switch {
	case err == nil:
		view.Apply(progress.At(snap.Percent, snap.Event.Message))
		if snap.Event.Terminal() {
			view.Finish()
			return reportWatch(snap.Event)
		}
	case errors.Is(err, cache.ErrCacheMiss):
	default:
		return fmt.Errorf("read snapshot: %w", err)
	}

	var spin *ui.Spinner
	if _, ok := view.Last(); !ok {
		spin = ui.NewSpinner("Waiting for session " + sessionID)
		spin.Start()
	}

	last, err := followEvents(ctx, msgs, view, func() {
		if spin != nil {
			spin.Stop()
			spin = nil
		}
	})
	if spin != nil {
		spin.Stop()
	}
	view.Finish()
	if err != nil {
		return err
	}
	return reportWatch(last)
}

func latestSnapshot(ctx context.Context, client cache.Client, sessionID string) (*progress.Snapshot, error) {
	data, err := client.Get(ctx, progress.SnapshotKey(sessionID))
	if err != nil {
		return nil, err
	}
	var snap progress.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// followEvents applies mirrored events to view until a terminal event, the
// end of the subscription or ctx. onFirst runs before the first event is drawn.
func followEvents(ctx context.Context, msgs <-chan []byte, view *ui.ProgressView, onFirst func()) (progress.Event, error) {
	first := true
	for {
		select {
		case <-ctx.Done():
			return progress.Event{}, ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return progress.Event{}, errors.New("progress subscription closed")
			}
			var ev progress.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			if first {
				onFirst()
				first = false
			}
			view.Apply(ev)
			if ev.Terminal() {
				return ev, nil
			}
		}
	}
}

func reportWatch(ev progress.Event) error {
	if ev.PercentOr(-1) == 100 {
		ui.Success("%s", pipeline.CompletedMessage)
		return nil
	}
	ui.Error("%s", ev.Message)
	return errors.New("session failed")
}
