package server

import (
	"context"
	"errors"
	"time"

	"github.com/nenkoz/1launch-sub000/internal/settlement"
)

// startBackground launches the settle loop. Each tick settles every
// auction past its end time that still needs work, including ones a
// failed run left settling; those resume from persisted state.
func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(s.cfg.SettleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.settleDue(ctx)
			}
		}
	}()
}

func (s *Server) settleDue(ctx context.Context) {
	due, err := s.store.ListDueAuctions(ctx, time.Now())
	if err != nil {
		s.log.WithError(err).Error("list due auctions")
		return
	}
	for _, a := range due {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		_, err := s.orch.Settle(runCtx, a.ID)
		cancel()
		if err != nil && !errors.Is(err, settlement.ErrSettlementInProgress) {
			s.log.WithError(err).WithField("auction", a.ID).Error("background settlement failed")
		}
	}
}
