package router

import (
	"context"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/persist"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// warmStartParallelism bounds concurrent backlog loads at startup.
const warmStartParallelism = 8

// WarmStart fills the room registry from catalog and the recent messages of
// each room, then makes sure every default channel exists. It must run
// before the first connection is accepted. catalog may be nil.
func (r *Router) WarmStart(ctx context.Context, catalog persist.RoomCatalog, defaults []string, recent int) error {
	var infos []chat.RoomInfo
	if catalog != nil {
		var err error
		infos, err = catalog.ListRooms(ctx)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
	}

	backlogs := make([][]chat.Message, len(infos))
	if r.history != nil && len(infos) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(warmStartParallelism)
		for i, info := range infos {
			i, info := i, info
			g.Go(func() error {
				msgs, err := r.history.LoadRecentMessages(gctx, info.ID, recent)
				if err != nil {
					return fmt.Errorf("load recent messages of %q: %w", info.ID, err)
				}
				backlogs[i] = msgs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	restored := 0
	for i, info := range infos {
		if err := r.rooms.Restore(info, backlogs[i]); err != nil {
			r.log.Warn("skipping stored room", zap.String("room_id", info.ID), zap.Error(err))
			continue
		}
		restored++
	}

	for _, name := range defaults {
		created, err := r.rooms.EnsureChannel(name)
		if err != nil {
			return fmt.Errorf("default channel %q: %w", name, err)
		}
		if !created {
			continue
		}
		if info, err := r.rooms.Snapshot(name); err == nil {
			r.recorder.RoomSaved(info)
		}
	}

	r.updateGauges()
	r.log.Info("warm start complete",
		zap.Int("rooms_restored", restored),
		zap.Int("rooms_total", r.rooms.Count()))
	return nil
}
