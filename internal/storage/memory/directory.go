package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// ErrRegionNotFound is returned when deleting an unknown region.
var ErrRegionNotFound = restock.ErrRegionNotFound

// RegionDirectory tracks regions and when they were last interacted with.
type RegionDirectory struct {
	mu      sync.RWMutex
	regions map[string]time.Time
}

// NewRegionDirectory seeds the directory with regions, all touched at seededAt.
func NewRegionDirectory(seededAt time.Time, regions ...string) *RegionDirectory {
	d := &RegionDirectory{regions: make(map[string]time.Time, len(regions))}
	for _, r := range regions {
		d.regions[r] = seededAt
	}
	return d
}

// ListActive returns every known region sorted by code.
func (d *RegionDirectory) ListActive(_ context.Context) ([]restock.Region, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]restock.Region, 0, len(d.regions))
	for code, at := range d.regions {
		out = append(out, restock.Region{Code: code, LastInteractedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Delete removes region.
func (d *RegionDirectory) Delete(_ context.Context, region string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[region]; !ok {
		return ErrRegionNotFound
	}
	delete(d.regions, region)
	return nil
}

// Exists reports whether region is being watched.
func (d *RegionDirectory) Exists(_ context.Context, region string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.regions[region]
	return ok, nil
}

// Touch creates region or moves its last interaction forward to at.
func (d *RegionDirectory) Touch(_ context.Context, region string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.regions[region]; ok && prev.After(at) {
		return nil
	}
	d.regions[region] = at
	return nil
}

// SubscriberDirectory maps product IDs to subscriber addresses.
type SubscriberDirectory struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// NewSubscriberDirectory creates an empty directory.
func NewSubscriberDirectory() *SubscriberDirectory {
	return &SubscriberDirectory{subs: make(map[string]map[string]struct{})}
}

// SubscribersOf returns the sorted addresses subscribed to productID.
func (d *SubscriberDirectory) SubscribersOf(_ context.Context, productID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.subs[productID]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

// Subscribe adds address to productID's subscribers.
func (d *SubscriberDirectory) Subscribe(_ context.Context, productID, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.subs[productID]
	if !ok {
		set = make(map[string]struct{})
		d.subs[productID] = set
	}
	set[address] = struct{}{}
	return nil
}

// Unsubscribe removes address from productID's subscribers.
func (d *SubscriberDirectory) Unsubscribe(_ context.Context, productID, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.subs[productID]; ok {
		delete(set, address)
		if len(set) == 0 {
			delete(d.subs, productID)
		}
	}
	return nil
}
