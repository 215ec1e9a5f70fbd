package dispatch

// This file contains taking ownership of pool machines. Several users may
// share a pool: each tags the free machines it wants, waits, and keeps only
// the ones still carrying its own tag.

import (
	"context"
	"os"
	"os/user"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Claimer takes ownership of machines from an Inventory.
type Claimer struct {
	logger    zerolog.Logger
	inventory Inventory
	owner     string

	// Settle is the pause between tagging machines and checking the tags.
	Settle time.Duration
	// Checks bounds how often untagged machines are checked again.
	Checks int
	// Interval separates those checks.
	Interval time.Duration
}

// NewClaimer returns a claimer with a fresh owner tag <user>_<uuid>.
func NewClaimer(logger zerolog.Logger, inventory Inventory) *Claimer {
	return &Claimer{
		logger:    logger,
		inventory: inventory,
		owner:     userName() + "_" + uuid.NewString(),
		Settle:    500 * time.Millisecond,
		Checks:    20,
		Interval:  100 * time.Millisecond,
	}
}

// Owner returns the tag this claimer writes.
func (c *Claimer) Owner() string {
	return c.owner
}

func userName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// ownerUser strips the unique part of an owner tag.
func ownerUser(tag string) string {
	name, _, _ := strings.Cut(tag, "_")
	return name
}

// Claim finds the machines carrying every tag in rules and takes as many
// as give maxCapacity cores, all of them when maxCapacity is not positive.
// It returns the claimed machines and the users owning the others.
func (c *Claimer) Claim(ctx context.Context, rules []string, maxCapacity int) ([]Machine, []string, error) {
	all, err := c.inventory.Machines(ctx)
	if err != nil {
		return nil, nil, err
	}
	var candidates []Machine
	for _, m := range all {
		if m.Address != "" && m.Matches(rules) {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsRunning() != b.IsRunning() {
			return a.IsRunning()
		}
		if a.Cores() != b.Cores() {
			return a.Cores() > b.Cores()
		}
		return a.Address < b.Address
	})
	if maxCapacity <= 0 {
		maxCapacity = int(^uint(0) >> 1)
	}
	others := map[string]bool{}
	owned, err := c.claim(ctx, candidates, maxCapacity, others)
	if err != nil {
		return nil, nil, err
	}
	users := make([]string, 0, len(others))
	for u := range others {
		users = append(users, u)
	}
	sort.Strings(users)
	return owned, users, nil
}

func (c *Claimer) claim(ctx context.Context, machines []Machine, maxCapacity int, others map[string]bool) ([]Machine, error) {
	if len(machines) == 0 {
		return nil, nil
	}
	owners, err := c.inventory.Owners(ctx, machineIDs(machines))
	if err != nil {
		return nil, err
	}
	var tried, fallback []Machine
	capacity := 0
	for _, m := range machines {
		if o, ok := owners[m.ID]; ok {
			others[ownerUser(o)] = true
			continue
		}
		if capacity >= maxCapacity {
			fallback = append(fallback, m)
			continue
		}
		if err := c.inventory.Claim(ctx, m.ID, c.owner); err != nil {
			c.logger.Debug().Err(err).Str("machine", m.ID).Msg("Failed to tag machine")
		}
		tried = append(tried, m)
		capacity += m.Cores()
	}
	if len(tried) == 0 {
		return nil, nil
	}

	// Tagging and checking too close together makes a race more likely.
	if err := sleep(ctx, c.Settle); err != nil {
		return nil, err
	}
	var owned []Machine
	lost := 0
	pending := tried
	for check := 0; check < c.Checks && len(pending) > 0; check++ {
		if check > 0 {
			if err := sleep(ctx, c.Interval); err != nil {
				return nil, err
			}
		}
		owners, err := c.inventory.Owners(ctx, machineIDs(pending))
		if err != nil {
			return nil, err
		}
		var retry []Machine
		for _, m := range pending {
			switch o := owners[m.ID]; {
			case o == c.owner:
				owned = append(owned, m)
			case o != "":
				c.logger.Debug().Str("machine", m.ID).Str("owner", o).Msg("Lost machine to another user")
				others[ownerUser(o)] = true
				lost += m.Cores()
			default:
				retry = append(retry, m)
			}
		}
		pending = retry
	}
	sort.SliceStable(owned, func(i, j int) bool {
		return indexOf(tried, owned[i].ID) < indexOf(tried, owned[j].ID)
	})

	if lost > 0 && len(fallback) > 0 {
		more, err := c.claim(ctx, fallback, lost, others)
		if err != nil {
			return nil, err
		}
		owned = append(owned, more...)
	}
	return owned, nil
}

// Release removes this claimer's tag from the machines.
func (c *Claimer) Release(ctx context.Context, machines []Machine) {
	for _, m := range machines {
		if err := c.inventory.Release(ctx, m.ID); err != nil {
			c.logger.Warn().Err(err).Str("machine", m.ID).Msg("Failed to release machine")
			continue
		}
		c.logger.Debug().Str("machine", m.ID).Msg("Released machine")
	}
}

func machineIDs(machines []Machine) []string {
	ids := make([]string, len(machines))
	for i, m := range machines {
		ids[i] = m.ID
	}
	return ids
}

func indexOf(machines []Machine, id string) int {
	for i, m := range machines {
		if m.ID == id {
			return i
		}
	}
	return len(machines)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
