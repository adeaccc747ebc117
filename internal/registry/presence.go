package registry

import (
	"sync"
	"time"

	"meshgate/internal/store"
)

const (
	// presenceInterval spaces the sweeps.
	presenceInterval = 30 * time.Second
	// switchQuietWindow is how long a sustained-activation switch may stay
	// silent before it is considered offline. These switches re-broadcast
	// while held, so silence means released or out of range.
	switchQuietWindow = 5 * time.Second
)

// presenceSweeper periodically marks silent sustained-activation switches
// offline. Any later event for the device flips it back to connected.
type presenceSweeper struct {
	reg *Registry

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func newPresenceSweeper(reg *Registry) *presenceSweeper {
	return &presenceSweeper{reg: reg}
}

func (p *presenceSweeper) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.done = make(chan struct{})
	p.running = true
	p.wg.Add(1)
	go p.run()
}

func (p *presenceSweeper) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *presenceSweeper) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now().UTC())
		case <-p.done:
			return
		}
	}
}

// sweep applies the quiet-window rule to every connected switch that
// reported the sustained activation subtype.
func (p *presenceSweeper) sweep(now time.Time) {
	devices, err := p.reg.store.ListDevices()
	if err != nil {
		p.reg.logger.Error("presence sweep list", "err", err)
		return
	}

	for _, dev := range devices {
		if !sweepEligible(dev) {
			continue
		}
		quiet := now.Sub(dev.LastSeen)
		if quiet <= switchQuietWindow {
			continue
		}
		if err := p.reg.SetStatus(dev.Key, store.StatusOffline); err != nil {
			p.reg.logger.Error("presence sweep", "key", dev.Key, "err", err)
			continue
		}
		p.reg.logger.Debug("switch presence timeout",
			"key", dev.Key, "quiet", quiet.Round(time.Millisecond))
	}
}

func sweepEligible(dev *store.Device) bool {
	if dev.Class != store.ClassSwitch || dev.Status != store.StatusConnected {
		return false
	}
	code, ok := dev.IntProp(store.PropSubtypeCode)
	return ok && code == store.SubtypeSustained
}
