package coordination

import (
	"context"

	"go.uber.org/zap"
)

// recoverFollower runs after a follower lost its leader. Another process may
// already have taken over, so rejoining is tried once before a full election.
// Followers that lose the same leader all race through the probe; the bind
// lets exactly one of them win and the rest join it.
func (e *Elector) recoverFollower(ctx context.Context) error {
	member, err := e.join(ctx)
	if err == nil {
		e.becomeFollower(member)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.log.Info("No leader to rejoin, running election", zap.Error(err))
	return e.establish(ctx)
}
