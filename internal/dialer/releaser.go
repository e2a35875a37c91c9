package dialer

import (
	"context"
	"log/slog"

	"dialer-platform/internal/campaigns"
	"dialer-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// SlotReleaser frees the durable slot and the redis fast gate together when a
// call finalizes. Wired into the call state machine.
type SlotReleaser struct {
	Campaigns *campaigns.Service
	Redis     *redis.Client
	Log       *slog.Logger
}

func (r *SlotReleaser) ReleaseForCall(ctx context.Context, workspaceID, campaignID, slotID, callID string, answered bool) error {
	if err := r.Campaigns.ReleaseForCall(ctx, workspaceID, campaignID, slotID, callID, answered); err != nil {
		return err
	}
	if r.Redis != nil {
		key := capKey(workspaceID, campaignID)
		if err := utils.ReleaseConcurrencyCap(ctx, r.Redis, key); err != nil && r.Log != nil {
			r.Log.WarnContext(ctx, "redis concurrency release failed", "key", key, "error", err)
		}
	}
	return nil
}

// DeferredNotifier breaks the construction cycle between the state machine
// and the pacer: the state machine is built first with this notifier, the
// pacer binds afterward. Ticks requested before Bind are dropped; the next
// terminal event re-requests.
type DeferredNotifier struct {
	pacer *Pacer
}

func NewDeferredNotifier() *DeferredNotifier { return &DeferredNotifier{} }

func (n *DeferredNotifier) Bind(p *Pacer) { n.pacer = p }

func (n *DeferredNotifier) RequestTick(ctx context.Context, workspaceID, campaignID string) {
	if n.pacer != nil {
		n.pacer.RequestTick(ctx, workspaceID, campaignID)
	}
}
