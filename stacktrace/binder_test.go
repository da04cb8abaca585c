package stacktrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binderSnapshot() *Snapshot {
	snap := NewSnapshot(1, "now", "VM TRACES JUST NOW")
	client := snap.AddProcess(16421, "", "")
	client.Name = "com.client"
	server := snap.AddProcess(16435, "", "")
	server.Name = "system_server"

	caller := snap.AddStack(client.ID, "main", 1, 5, "Native")
	caller.SysTid = 16699
	callee := snap.AddStack(server.ID, "Binder_3", 40, 5, "Native")
	callee.SysTid = 14261
	return snap
}

func TestLinkResolvesKnownThreads(t *testing.T) {
	snap := binderSnapshot()
	state := []string{
		"binder state:",
		"proc 16421",
		"  thread 16699: l 10",
		"    outgoing transaction 18397911: d1d52bc0 from 16421:16699 to 16435:14261 code 3 flags 10 pri 0 r1 node 1 size 132:8 data e2f00028",
		"    incoming transaction 18397911: d1d52bc0 from 16421:16699 to 16435:14261 code 3",
	}

	n := NewLinker(nil).Link(snap, state)
	assert.Equal(t, 1, n)

	caller := snap.FindPid(16421).FindSysTid(16699)
	callee := snap.FindPid(16435).FindSysTid(14261)
	dep, ok := caller.AIDLDependency()
	require.True(t, ok)
	assert.Equal(t, callee.ID, dep)

	_, ok = callee.AIDLDependency()
	assert.False(t, ok)
	assert.Len(t, snap.AIDLCalls(), 1)
}

func TestLinkSkipsUnknownEnds(t *testing.T) {
	snap := binderSnapshot()
	state := []string{
		"outgoing transaction 1: abc from 99999:1 to 16435:14261 code 3",
		"outgoing transaction 2: abc from 16421:16699 to 99999:1 code 3",
		"outgoing transaction 3: abc from 16421:55555 to 16435:14261 code 3",
		"outgoing transaction 99999999999999999999: abc from 16421:16699 to 16435:nope",
	}

	n := NewLinker(nil).Link(snap, state)
	assert.Zero(t, n)
	assert.Empty(t, snap.AIDLCalls())
}

func TestLinkKeepsFirstEdge(t *testing.T) {
	snap := binderSnapshot()
	other := snap.AddStack(snap.FindPid(16435).ID, "Binder_4", 41, 5, "Native")
	other.SysTid = 14262

	state := []string{
		"outgoing transaction 1: a from 16421:16699 to 16435:14261 code 3",
		"outgoing transaction 2: b from 16421:16699 to 16435:14262 code 3",
	}
	assert.Equal(t, 1, NewLinker(nil).Link(snap, state))

	dep, ok := snap.FindPid(16421).FindSysTid(16699).AIDLDependency()
	require.True(t, ok)
	assert.Equal(t, snap.FindPid(16435).FindSysTid(14261).ID, dep)
}
