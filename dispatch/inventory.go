package dispatch

// This file contains where pool machines come from: a YAML inventory file
// shared by every user of the pool, or the nodes of a Kubernetes cluster.
// Both record which user currently owns a machine.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/perfgo/texttest/cli/k8s"
)

// Machine is one machine slaves can run on.
type Machine struct {
	ID           string            `yaml:"id"`
	Address      string            `yaml:"address"`
	InstanceType string            `yaml:"instance_type"`
	Tags         map[string]string `yaml:"tags"`
	// Zero means derived from the instance type
	CoreCount int `yaml:"cores"`
	// Machines that are up are preferred over ones still starting
	Running *bool `yaml:"running"`
}

// Cores per instance size, the suffix of the instance type.
var instanceSizeCores = map[string]int{
	"8xlarge": 32,
	"4xlarge": 16,
	"2xlarge": 8,
	"xlarge":  4,
	"large":   2,
	"medium":  1,
}

// Cores returns how many slaves the machine runs at once.
func (m Machine) Cores() int {
	if m.CoreCount > 0 {
		return m.CoreCount
	}
	size := m.InstanceType[strings.LastIndex(m.InstanceType, ".")+1:]
	if n, ok := instanceSizeCores[size]; ok {
		return n
	}
	return 1
}

// IsRunning reports whether the machine is up, assuming it is when unknown.
func (m Machine) IsRunning() bool {
	return m.Running == nil || *m.Running
}

// Matches reports whether the machine carries every tag in rules. A rule is
// name=pattern with a glob pattern, or a bare name meaning name=1.
func (m Machine) Matches(rules []string) bool {
	for _, rule := range rules {
		name, pattern, ok := strings.Cut(rule, "=")
		if !ok {
			pattern = "1"
		}
		matched, err := doublestar.Match(pattern, m.Tags[name])
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// Inventory lists pool machines and records their owners.
type Inventory interface {
	Machines(ctx context.Context) ([]Machine, error)
	// Owners returns the owner tag of each of ids that has one.
	Owners(ctx context.Context, ids []string) (map[string]string, error)
	// Claim tags the machine with owner unless it is already owned.
	Claim(ctx context.Context, id, owner string) error
	Release(ctx context.Context, id string) error
}

// FileInventory reads machines from a YAML file. Owners are kept in a
// sibling .owners file changed only under a file lock.
type FileInventory struct {
	path string
}

type inventoryFile struct {
	Machines []Machine `yaml:"machines"`
}

// NewFileInventory returns the inventory described by path.
func NewFileInventory(path string) *FileInventory {
	return &FileInventory{path: path}
}

// Machines implements Inventory.
func (f *FileInventory) Machines(_ context.Context) ([]Machine, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", f.path, err)
	}
	for i, m := range inv.Machines {
		if m.ID == "" {
			inv.Machines[i].ID = m.Address
		}
	}
	return inv.Machines, nil
}

// Owners implements Inventory.
func (f *FileInventory) Owners(ctx context.Context, ids []string) (map[string]string, error) {
	owners := map[string]string{}
	err := f.locked(ctx, func(all map[string]string) bool {
		for _, id := range ids {
			if o := all[id]; o != "" {
				owners[id] = o
			}
		}
		return false
	})
	return owners, err
}

// Claim implements Inventory.
func (f *FileInventory) Claim(ctx context.Context, id, owner string) error {
	return f.locked(ctx, func(all map[string]string) bool {
		if all[id] != "" {
			return false
		}
		all[id] = owner
		return true
	})
}

// Release implements Inventory.
func (f *FileInventory) Release(ctx context.Context, id string) error {
	return f.locked(ctx, func(all map[string]string) bool {
		if _, ok := all[id]; !ok {
			return false
		}
		delete(all, id)
		return true
	})
}

// locked calls fn with the owner map under the lock, writing the map back
// when fn reports a change.
func (f *FileInventory) locked(ctx context.Context, fn func(map[string]string) bool) error {
	lock := flock.New(f.path + ".lock")
	ok, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock inventory: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to lock inventory %s", f.path)
	}
	defer lock.Unlock()

	ownersPath := f.path + ".owners"
	owners := map[string]string{}
	data, err := os.ReadFile(ownersPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("failed to read owners: %w", err)
	default:
		if err := yaml.Unmarshal(data, &owners); err != nil {
			return fmt.Errorf("failed to parse owners %s: %w", ownersPath, err)
		}
		if owners == nil {
			owners = map[string]string{}
		}
	}
	if !fn(owners) {
		return nil
	}
	out, err := yaml.Marshal(owners)
	if err != nil {
		return err
	}
	return os.WriteFile(ownersPath, out, 0o644)
}

// OwnerAnnotation is the node annotation holding the owner tag.
const OwnerAnnotation = "texttest/user"

// KubeInventory uses the nodes of a Kubernetes cluster.
type KubeInventory struct {
	client   *k8s.Client
	selector string
}

// NewKubeInventory returns the nodes matching selector as machines.
func NewKubeInventory(client *k8s.Client, selector string) *KubeInventory {
	return &KubeInventory{client: client, selector: selector}
}

// Machines implements Inventory.
func (k *KubeInventory) Machines(ctx context.Context) ([]Machine, error) {
	nodes, err := k.client.GetNodes(ctx, k.selector)
	if err != nil {
		return nil, err
	}
	machines := make([]Machine, 0, len(nodes))
	for _, n := range nodes {
		ready := n.Ready()
		machines = append(machines, Machine{
			ID:           n.Metadata.Name,
			Address:      n.InternalIP(),
			InstanceType: n.InstanceType(),
			Tags:         n.Metadata.Labels,
			Running:      &ready,
		})
	}
	return machines, nil
}

// Owners implements Inventory.
func (k *KubeInventory) Owners(ctx context.Context, ids []string) (map[string]string, error) {
	nodes, err := k.client.GetNodes(ctx, k.selector)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	owners := map[string]string{}
	for _, n := range nodes {
		if o := n.Metadata.Annotations[OwnerAnnotation]; wanted[n.Metadata.Name] && o != "" {
			owners[n.Metadata.Name] = o
		}
	}
	return owners, nil
}

// Claim implements Inventory. kubectl refuses to overwrite an existing
// owner, so a lost race shows up as an error.
func (k *KubeInventory) Claim(ctx context.Context, id, owner string) error {
	return k.client.Annotate(ctx, id, OwnerAnnotation, owner, false)
}

// Release implements Inventory.
func (k *KubeInventory) Release(ctx context.Context, id string) error {
	return k.client.RemoveAnnotation(ctx, id, OwnerAnnotation)
}
