// Package rotator implements the Epoch rotator of spec.md §4.2: the single
// goroutine that owns epoch detection and stack lifecycle, launching a fresh
// TCP/UDP relay pair for every epoch while letting the previous epoch's
// relays wind themselves down on their own schedule.
//
// The "wake, check, launch, never block on what you launched" shape is
// grounded on firestack's tunnel.gtunnel goroutine (tunnel/tunnel.go),
// generalized from its single long-lived tunnel to a sequence of
// short-lived, refcounted ones, one per epoch.
package rotator

import (
	"time"

	"github.com/virtualsquare-go/otip-rproxy/internal/addr"
	"github.com/virtualsquare-go/otip-rproxy/internal/config"
	"github.com/virtualsquare-go/otip-rproxy/internal/otiplog"
	"github.com/virtualsquare-go/otip-rproxy/internal/refcount"
	"github.com/virtualsquare-go/otip-rproxy/internal/relay/tcp"
	"github.com/virtualsquare-go/otip-rproxy/internal/relay/udp"
	"github.com/virtualsquare-go/otip-rproxy/internal/stackmgr"
)

// pollInterval is how often the rotator wakes to check for an epoch change.
// original_source/otip_rproxy.c's main loop uses a 1s sleep; nothing in
// spec.md calls for finer granularity.
const pollInterval = 1 * time.Second

// Run drives the rotator loop forever (or until stop is closed). It never
// returns on a per-epoch error: spec.md §4.2 requires every failure within
// one epoch's launch to be logged and survived, since the next epoch gets
// its own independent attempt a period later.
func Run(cfg *config.Resolved, factory stackmgr.Factory, stop <-chan struct{}) {
	var current uint64
	haveCurrent := false

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	launch := func() {
		now := time.Now().Unix()
		epoch := addr.Epoch(now, cfg.Opts.OtipPeriod, cfg.Opts.OtipPreactive)
		if haveCurrent && epoch == current {
			return
		}
		current = epoch
		haveCurrent = true
		launchEpoch(cfg, factory, epoch)
	}

	launch() // don't wait a full tick for the first epoch
	for {
		select {
		case <-ticker.C:
			launch()
		case <-stop:
			return
		}
	}
}

// launchEpoch implements spec.md §4.2 steps 1-6: derive the epoch's address,
// create and configure its stack, allocate its usage counter, and launch the
// TCP/UDP relay sub-tasks before releasing the rotator's own reference.
func launchEpoch(cfg *config.Resolved, factory stackmgr.Factory, epoch uint64) {
	period, pre, post := cfg.Opts.OtipPeriod, cfg.Opts.OtipPreactive, cfg.Opts.OtipPostactive
	_, end := addr.Window(epoch, period, pre, post)
	epochEnd := time.Unix(end, 0)

	address := addr.Derive(cfg.BaseAddr, cfg.Opts.Name, cfg.Opts.Passwd, epoch)
	otiplog.I("rotator: epoch %d address %s window-end %s", epoch, address, epochEnd)

	stack, err := factory.CreateStack()
	if err != nil {
		otiplog.E("rotator: epoch %d: create stack: %v", epoch, err)
		return
	}

	usage := refcount.New(func() {
		otiplog.I("rotator: epoch %d: destroying stack", epoch)
		factory.DestroyStack(stack)
	})
	usage.Acquire() // the rotator's own reference, released at the end of this function

	if err := factory.AssignAddress(stack, address); err != nil {
		// spec.md §4.2: address assignment failure doesn't abort the
		// launch, it only means this epoch won't receive traffic.
		otiplog.W("rotator: epoch %d: assign address: %v", epoch, err)
	}

	tcp.Start(tcp.Params{
		Stack:    stack,
		Usage:    usage,
		Items:    cfg.TCPItems,
		IntAddr:  cfg.IntAddr,
		Backlog:  cfg.Opts.TCPListenBacklog,
		Timeout:  time.Duration(cfg.Opts.TCPTimeout) * time.Second,
		EpochEnd: epochEnd,
	})
	udp.Start(udp.Params{
		Stack:    stack,
		Usage:    usage,
		Items:    cfg.UDPItems,
		IntAddr:  cfg.IntAddr,
		Timeout:  time.Duration(cfg.Opts.UDPTimeout) * time.Second,
		EpochEnd: epochEnd,
	})

	usage.Release()
}
