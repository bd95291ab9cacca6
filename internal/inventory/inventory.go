// Package inventory registers media servers and room types from external
// sources: a YAML seed file and EC2 instance tags.
package inventory

import (
	"context"
	"fmt"

	"github.com/telemyapp/fleet-control-plane/internal/logger"
	"github.com/telemyapp/fleet-control-plane/internal/model"
)

type Inventory struct {
	Servers   []model.ServerSpec
	RoomTypes []model.RoomTypeSpec
}

type Source interface {
	Name() string
	Load(ctx context.Context) (Inventory, error)
}

type Store interface {
	UpsertServer(ctx context.Context, spec model.ServerSpec) (string, error)
	UpsertRoomType(ctx context.Context, spec model.RoomTypeSpec) (string, error)
}

type Result struct {
	Servers   int
	RoomTypes int
}

type Syncer struct {
	store   Store
	sources []Source
	log     logger.Logger
}

func NewSyncer(st Store, log logger.Logger, sources ...Source) *Syncer {
	if log == nil {
		log = logger.Nop()
	}
	return &Syncer{store: st, sources: sources, log: log}
}

func (s *Syncer) Enabled() bool {
	return len(s.sources) > 0
}

// Sync loads every source and upserts what it finds. Servers go first so
// the pools room types point at already exist.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	var res Result
	for _, src := range s.sources {
		inv, err := src.Load(ctx)
		if err != nil {
			return res, fmt.Errorf("load %s inventory: %w", src.Name(), err)
		}
		for _, spec := range inv.Servers {
			if _, err := s.store.UpsertServer(ctx, spec); err != nil {
				return res, fmt.Errorf("upsert server %s: %w", spec.Name, err)
			}
			res.Servers++
		}
		for _, spec := range inv.RoomTypes {
			if _, err := s.store.UpsertRoomType(ctx, spec); err != nil {
				return res, fmt.Errorf("upsert room type %s: %w", spec.Name, err)
			}
			res.RoomTypes++
		}
		s.log.Info("inventory synced",
			logger.String("source", src.Name()),
			logger.Int("servers", len(inv.Servers)),
			logger.Int("room_types", len(inv.RoomTypes)))
	}
	return res, nil
}
