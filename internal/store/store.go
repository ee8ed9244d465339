package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
)

// ErrNotFound is returned when the asked-for site is not mirrored.
var ErrNotFound = errors.New("site not found")

// errSiteRequired is returned when a site record is missing or has no id.
var errSiteRequired = errors.New("site with an id must be provided")

// Store is the in-memory mirror of portal state. Reads are answered from
// here without touching the portal; the background tasks are the only
// writers. On errors the mirror keeps its last good contents. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// entry holds one site's mirrored state under its own lock, so updates
// to one site never block reads of another.
type entry struct {
	mu    sync.RWMutex
	site  *site.Site
	zones map[int]*site.Zone
}

// NewStore creates an empty mirror.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
	}
}

// ReplaceSite swaps in a complete fresh record for the site, discarding
// whatever was mirrored before. Zone site ids are filled in from the
// site record.
func (s *Store) ReplaceSite(record *site.Site, zones []site.Zone) error {
	if record == nil || record.ID == "" {
		return errSiteRequired
	}

	fresh := &entry{
		site:  record.Clone(),
		zones: make(map[int]*site.Zone, len(zones)),
	}

	for _, zone := range zones {
		zone.SiteID = record.ID
		fresh.zones[zone.ID] = &zone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[record.ID] = fresh

	return nil
}

// Snapshot returns a deep copy of the mirrored site and its zones,
// ordered by zone number. Callers can hold onto the copies freely.
func (s *Store) Snapshot(siteID string) (*site.Site, []site.Zone, error) {
	e, err := s.entry(siteID)
	if err != nil {
		return nil, nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	zones := make([]site.Zone, 0, len(e.zones))
	for _, zone := range e.zones {
		zones = append(zones, *zone)
	}

	sort.Slice(zones, func(i, j int) bool {
		return zones[i].ID < zones[j].ID
	})

	return e.site.Clone(), zones, nil
}

// SiteIDs lists the mirrored sites in stable order.
func (s *Store) SiteIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// UpdateZones merges polled zone readings into the mirror. Readings
// carry state, health and event time; names and kinds stay as
// discovered. A reading for an unknown zone creates a placeholder
// record so an event is never dropped. Reports whether anything
// actually changed.
func (s *Store) UpdateZones(siteID string, updates []site.Zone, at time.Time) (bool, error) {
	e, err := s.entry(siteID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var changed bool

	for _, update := range updates {
		existing, ok := e.zones[update.ID]
		if !ok {
			placeholder := update
			placeholder.SiteID = siteID

			if placeholder.Name == "" {
				placeholder.Name = fmt.Sprintf("Sensor for Zone %d", update.ID)
			}

			if placeholder.Kind == "" {
				placeholder.Kind = site.KindDoorWindow
			}

			e.zones[update.ID] = &placeholder
			changed = true

			continue
		}

		if update.State != "" && update.State != existing.State {
			existing.State = update.State
			changed = true
		}

		if update.Status != "" && update.Status != existing.Status {
			existing.Status = update.Status
			changed = true
		}

		if !update.LastUpdated.IsZero() && !update.LastUpdated.Equal(existing.LastUpdated) {
			existing.LastUpdated = update.LastUpdated
			changed = true
		}
	}

	if changed {
		e.site.LastUpdated = at
	}

	return changed, nil
}

// ApplyPanelObservation feeds a polled panel state through the panel's
// transition rules. Reports whether the mirrored state changed; an
// observation suppressed by a pending command's grace window does not
// count as a change.
func (s *Store) ApplyPanelObservation(siteID string, observed site.AlarmState, at time.Time) (bool, error) {
	e, err := s.entry(siteID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.site.Panel.State
	e.site.Panel.Observe(observed, at)

	changed := e.site.Panel.State != before
	if changed {
		e.site.LastUpdated = at
	}

	return changed, nil
}

// BeginPanelTransition records an accepted arm or disarm command as the
// panel's transient state until the portal confirms it.
func (s *Store) BeginPanelTransition(siteID string, target site.AlarmState, forced bool, at time.Time) error {
	e, err := s.entry(siteID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.site.Panel.BeginTransition(target, forced, at)
	e.site.LastUpdated = at

	return nil
}

// PanelState returns the mirrored panel state.
func (s *Store) PanelState(siteID string) (site.AlarmState, error) {
	e, err := s.entry(siteID)
	if err != nil {
		return site.StateUnknown, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.site.Panel.State, nil
}

// SetGatewayOnline flips the mirrored gateway reachability. Reports
// whether the value changed.
func (s *Store) SetGatewayOnline(siteID string, online bool, at time.Time) (bool, error) {
	e, err := s.entry(siteID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.site.Gateway.Online == online {
		return false, nil
	}

	e.site.Gateway.Online = online
	e.site.Gateway.LastUpdated = at
	e.site.LastUpdated = at

	return true, nil
}

// UpdateGateway replaces the mirrored gateway attributes. Reports
// whether anything changed.
func (s *Store) UpdateGateway(siteID string, gateway *site.Gateway) (bool, error) {
	if gateway == nil {
		return false, errSiteRequired
	}

	e, err := s.entry(siteID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.site.Gateway == *gateway {
		return false, nil
	}

	e.site.Gateway = *gateway
	e.site.LastUpdated = gateway.LastUpdated

	return true, nil
}

// GatewayNextUpdate returns when the portal expects fresh gateway
// attributes to become available.
func (s *Store) GatewayNextUpdate(siteID string) (time.Time, error) {
	e, err := s.entry(siteID)
	if err != nil {
		return time.Time{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.site.Gateway.NextUpdate, nil
}

// entry looks up a site's mirror entry.
func (s *Store) entry(siteID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[siteID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, siteID)
	}

	return e, nil
}
