package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/offlinekit/fieldsync"
	"github.com/offlinekit/fieldsync/broadcast"
	"github.com/offlinekit/fieldsync/logging"
	"github.com/offlinekit/fieldsync/transport/httppush"
)

// memoryAuthority is a deterministic demo authority: it keeps the latest
// revision of every record and reports a conflict when a mutation carries a
// "rev" older than the stored one. Applies are idempotent (last writer wins
// per record), as the at-least-once push contract requires.
type memoryAuthority struct {
	mu      sync.Mutex
	records map[string]json.RawMessage
}

func newMemoryAuthority() *memoryAuthority {
	return &memoryAuthority{records: make(map[string]json.RawMessage)}
}

func revOf(payload json.RawMessage) float64 {
	var obj map[string]interface{}
	if json.Unmarshal(payload, &obj) != nil {
		return 0
	}
	if rev, ok := obj["rev"].(float64); ok {
		return rev
	}
	return 0
}

func (a *memoryAuthority) Apply(ctx context.Context, batch []fieldsync.Mutation) (fieldsync.PushResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result fieldsync.PushResult
	for _, m := range batch {
		key := m.Resource + "/" + m.RecordID

		if stored, ok := a.records[key]; ok && revOf(stored) > revOf(m.Payload) {
			result.Conflicts = append(result.Conflicts, fieldsync.PushConflict{
				Resource: m.Resource,
				RecordID: m.RecordID,
				Local:    m.Payload,
				Server:   stored,
			})
			continue
		}

		if m.Op == fieldsync.OpDelete {
			delete(a.records, key)
		} else {
			a.records[key] = m.Payload
		}
		result.AppliedIDs = append(result.AppliedIDs, m.ID)
	}
	return result, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo authority server with a broadcast relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			relay := broadcast.NewRelay()
			go relay.Run(ctx)
			defer relay.Close()

			r := chi.NewRouter()
			r.Mount("/", httppush.NewHandler(newMemoryAuthority()))
			r.Handle("/broadcast", relay)

			addr := viper.GetString("listen")
			srv := &http.Server{Addr: addr, Handler: r}

			logger := logging.WithComponent("serve")
			logger.Info("authority listening", "addr", addr)

			go func() {
				<-ctx.Done()
				srv.Shutdown(context.Background())
			}()

			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("listen", "127.0.0.1:7123", "listen address")
	viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}
