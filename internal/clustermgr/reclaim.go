package clustermgr

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// reclaimSchedule runs less often than the 15s autoscale tick: it looks for
// threads that have gone quiet (no ThreadStatus in a while) and tears them
// down, recovering capacity the tick-based scale-in never targets because
// their utilization samples simply stopped arriving instead of trending
// down.
const reclaimSchedule = "@every 5m"

const staleThreshold = 2 * time.Minute

// Reclaimer periodically removes executor threads that stopped reporting
// status altogether (crashed, partitioned, or never cleanly departed).
type Reclaimer struct {
	mgr *ClusterManager
	cr  *cron.Cron
}

// NewReclaimer wires a cron.Cron to mgr's stale-thread sweep. The cron
// schedule is deliberately coarser than the autoscale tick: reclamation is
// a backstop, not a fast path.
func NewReclaimer(mgr *ClusterManager) *Reclaimer {
	return &Reclaimer{mgr: mgr, cr: cron.New()}
}

// Start registers the sweep job and starts the cron scheduler in the
// background. Call Stop to shut it down.
func (r *Reclaimer) Start(ctx context.Context) error {
	_, err := r.cr.AddFunc(reclaimSchedule, func() {
		r.mgr.reclaimStale(ctx)
	})
	if err != nil {
		return err
	}
	r.cr.Start()
	return nil
}

func (r *Reclaimer) Stop() {
	<-r.cr.Stop().Done()
}

// reclaimStale removes every thread whose last ThreadStatus is older than
// staleThreshold.
func (c *ClusterManager) reclaimStale(ctx context.Context) {
	c.mu.Lock()
	var stale []wireAddrCopy
	now := time.Now()
	for k, st := range c.threads {
		if now.Sub(st.lastSeen) > staleThreshold {
			stale = append(stale, wireAddrCopy{key: k, ip: st.addr.IP})
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		if err := c.nodes.Remove(ctx, "executor", s.ip); err != nil {
			logrus.WithError(err).WithField("ip", s.ip).Warn("reclaim stale thread failed")
			continue
		}
		c.mu.Lock()
		delete(c.threads, s.key)
		c.mu.Unlock()
	}
}

type wireAddrCopy struct {
	key string
	ip  string
}
