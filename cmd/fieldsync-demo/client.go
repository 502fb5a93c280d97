package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
	"github.com/offlinekit/fieldsync/engine"
	"github.com/offlinekit/fieldsync/queue"
	"github.com/offlinekit/fieldsync/storage/sqlite"
	"github.com/offlinekit/fieldsync/transport/httppush"
)

func openStore() (*sqlite.Store, error) {
	return sqlite.NewWithDataSource(viper.GetString("db"))
}

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <resource> <record-id> <op> <payload-json>",
		Short: "Queue a local mutation without syncing (an offline write)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			q := queue.New(store, nil)
			m, err := q.Enqueue(cmd.Context(), fieldsync.Mutation{
				Resource: args[0],
				RecordID: args[1],
				Op:       fieldsync.OpType(args[2]),
				Payload:  json.RawMessage(args[3]),
			})
			if err != nil {
				return err
			}

			size, _ := q.Size(cmd.Context())
			fmt.Printf("queued %s (%d pending)\n", m.ID, size)
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var timeout time.Duration
	var bridged bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the pending queue against the authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			channel := broadcast.NewChannel()
			if bridged {
				// Share status events with every other context on this
				// authority's relay.
				wsURL := strings.Replace(viper.GetString("server"), "http", "ws", 1) + "/broadcast"
				bridge := broadcast.NewBridge(channel, wsURL)
				if err := bridge.Start(cmd.Context()); err != nil {
					return fmt.Errorf("connect broadcast relay: %w", err)
				}
				defer bridge.Close()
			}

			eng, err := engine.New(engine.Options{
				Store:       store,
				PushHandler: httppush.NewClient(viper.GetString("server") + "/push"),
				Channel:     channel,
				Interval:    time.Second,
			})
			if err != nil {
				return err
			}

			done := make(chan struct{}, 1)
			unsub := eng.Subscribe(func(msg broadcast.Message) {
				if msg.Type == broadcast.TypeSyncComplete {
					select {
					case done <- struct{}{}:
					default:
					}
				}
			})
			defer unsub()

			eng.Start()
			defer eng.Stop()
			eng.Scheduler().Notify()

			select {
			case <-done:
				conflicts, _ := eng.Conflicts().List(cmd.Context())
				fmt.Printf("synced; %d conflicts open\n", len(conflicts))
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("sync did not complete within %s", timeout)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for a full drain")
	cmd.Flags().BoolVar(&bridged, "bridge", false, "relay status events to other contexts via the authority's /broadcast endpoint")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending queue size and open conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			q := queue.New(store, nil)
			size, err := q.Size(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pending mutations: %d\n", size)

			eng, err := engine.New(engine.Options{
				Store:       store,
				PushHandler: fieldsync.PushFunc(noopPush),
			})
			if err != nil {
				return err
			}
			conflicts, err := eng.Conflicts().List(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range conflicts {
				fmt.Printf("conflict %s/%s fields=%v detected=%s\n",
					c.Resource, c.RecordID, c.Fields, c.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newResolveCmd() *cobra.Command {
	var keep string

	cmd := &cobra.Command{
		Use:   "resolve <resource> <record-id>",
		Short: "Resolve an open conflict whole-record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			eng, err := engine.New(engine.Options{
				Store:       store,
				PushHandler: fieldsync.PushFunc(noopPush),
			})
			if err != nil {
				return err
			}

			switch keep {
			case "local":
				err = eng.ResolveKeepLocal(cmd.Context(), args[0], args[1])
			case "server":
				err = eng.ResolveKeepServer(cmd.Context(), args[0], args[1])
			default:
				return fmt.Errorf("--keep must be local or server, got %q", keep)
			}
			if err != nil {
				return err
			}
			fmt.Printf("resolved %s/%s keeping %s\n", args[0], args[1], keep)
			return nil
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "server", "which side to keep: local or server")
	return cmd
}

func noopPush(ctx context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
	return fieldsync.PushResult{}, nil
}
