package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMachine_Cores(t *testing.T) {
	tests := []struct {
		machine Machine
		want    int
	}{
		{Machine{InstanceType: "c5.8xlarge"}, 32},
		{Machine{InstanceType: "c5.4xlarge"}, 16},
		{Machine{InstanceType: "m5.2xlarge"}, 8},
		{Machine{InstanceType: "m5.xlarge"}, 4},
		{Machine{InstanceType: "t3.large"}, 2},
		{Machine{InstanceType: "t3.medium"}, 1},
		{Machine{InstanceType: "t3.micro"}, 1},
		{Machine{}, 1},
		{Machine{InstanceType: "t3.large", CoreCount: 6}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.machine.InstanceType, func(t *testing.T) {
			require.Equal(t, tt.want, tt.machine.Cores())
		})
	}
}

func TestMachine_Matches(t *testing.T) {
	m := Machine{Tags: map[string]string{"pool": "perf", "gpu": "1"}}
	tests := []struct {
		rules []string
		want  bool
	}{
		{nil, true},
		{[]string{"gpu"}, true},
		{[]string{"pool=perf"}, true},
		{[]string{"pool=p*", "gpu"}, true},
		{[]string{"pool=web"}, false},
		{[]string{"ssd"}, false},
		{[]string{"gpu", "pool=web"}, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, m.Matches(tt.rules), "%v", tt.rules)
	}
}

const testInventory = `machines:
  - id: big
    address: 10.0.0.1
    instance_type: t3.2xlarge
  - id: small
    address: 10.0.0.2
    instance_type: t3.large
  - id: mid
    address: 10.0.0.3
    instance_type: m5.xlarge
    tags:
      pool: perf
  - id: starting
    instance_type: t3.8xlarge
`

// newInventory writes the test inventory with small already owned by
// alice.
func newInventory(t *testing.T) *FileInventory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.yaml")
	writeFile(t, path, testInventory)
	writeFile(t, path+".owners", "small: alice_1234\n")
	return NewFileInventory(path)
}

func newClaimer(inv Inventory) *Claimer {
	c := NewClaimer(zerolog.Nop(), inv)
	c.Settle = time.Millisecond
	c.Interval = time.Millisecond
	return c
}

func owners(t *testing.T, inv *FileInventory) map[string]string {
	t.Helper()
	data, err := os.ReadFile(inv.path + ".owners")
	require.NoError(t, err)
	out := map[string]string{}
	require.NoError(t, yaml.Unmarshal(data, &out))
	return out
}

func TestFileInventory_Machines(t *testing.T) {
	machines, err := newInventory(t).Machines(context.Background())
	require.NoError(t, err)
	require.Len(t, machines, 4)
	require.Equal(t, "mid", machines[2].ID)
	require.Equal(t, "perf", machines[2].Tags["pool"])

	_, err = NewFileInventory(filepath.Join(t.TempDir(), "missing.yaml")).Machines(context.Background())
	require.Error(t, err)
}

func TestClaimer_Claim(t *testing.T) {
	ctx := context.Background()
	inv := newInventory(t)
	c := newClaimer(inv)

	claimed, users, err := c.Claim(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"big", "mid"}, machineIDs(claimed))
	require.Equal(t, []string{"alice"}, users)
	require.Equal(t, map[string]string{"big": c.Owner(), "mid": c.Owner(), "small": "alice_1234"}, owners(t, inv))

	// Someone else finds nothing free.
	other, users, err := newClaimer(inv).Claim(ctx, nil, 0)
	require.NoError(t, err)
	require.Empty(t, other)
	require.Len(t, users, 2)

	c.Release(ctx, claimed)
	require.Equal(t, map[string]string{"small": "alice_1234"}, owners(t, inv))
}

func TestClaimer_Claim_Rules(t *testing.T) {
	claimed, _, err := newClaimer(newInventory(t)).Claim(context.Background(), []string{"pool=perf"}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"mid"}, machineIDs(claimed))
}

func TestClaimer_Claim_MaxCapacity(t *testing.T) {
	inv := newInventory(t)
	claimed, _, err := newClaimer(inv).Claim(context.Background(), nil, 8)
	require.NoError(t, err)
	require.Equal(t, []string{"big"}, machineIDs(claimed))
	require.NotContains(t, owners(t, inv), "mid")
}

// thief takes the machine it wants just as it is claimed.
type thief struct {
	*FileInventory
	id, owner string
}

func (th thief) Claim(ctx context.Context, id, owner string) error {
	if id == th.id {
		owner = th.owner
	}
	return th.FileInventory.Claim(ctx, id, owner)
}

func TestClaimer_Claim_LostMachineIsReplaced(t *testing.T) {
	inv := newInventory(t)
	c := newClaimer(thief{FileInventory: inv, id: "big", owner: "bob_99"})

	claimed, users, err := c.Claim(context.Background(), nil, 8)
	require.NoError(t, err)
	require.Equal(t, []string{"mid"}, machineIDs(claimed))
	require.Equal(t, []string{"alice", "bob"}, users)
	require.Equal(t, "bob_99", owners(t, inv)["big"])
}

func TestOwnerUser(t *testing.T) {
	require.Equal(t, "alice", ownerUser("alice_6f1c"))
	require.Equal(t, "bob", ownerUser("bob"))
	require.Regexp(t, `_[0-9a-f-]{36}$`, newClaimer(newInventory(t)).Owner())
}
