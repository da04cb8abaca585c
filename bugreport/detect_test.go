package bugreport_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/bugreport"
)

const rawTrace = `
----- pid 4242 at 2012-01-01 10:00:00 -----
Cmd line: com.example.mail

DALVIK THREADS:
"main" prio=5 tid=1 MONITOR
  | group="main" sCount=1 dsCount=0 obj=0x4001f1a8 self=0xce48
  | sysTid=4242 nice=0 sched=0/0 cgrp=default handle=-1345006464
  at com.example.mail.Inbox.refresh(Inbox.java:88)
  at android.os.Looper.loop(Looper.java:123)

"Binder_2" sysTid=4250
  #00  pc 0001b0c8  /system/lib/libc.so (__ioctl+8)

----- end 4242 -----
`

func TestDetect(t *testing.T) {
	ok, confidence := bugreport.Detect(lines(rawTrace))
	assert.True(t, ok)
	assert.Equal(t, 99, confidence)

	t.Run("BugReport", func(t *testing.T) {
		ok, confidence := bugreport.Detect(lines(`
== dumpstate: 2012-01-01 10:00:00
Build: test
Kernel: Linux version 3.0.8
Command line: console=ttyHSL0
------ MEMORY INFO (/proc/meminfo) ------
MemTotal:         843084 kB
MemFree:           39532 kB
------ VM TRACES JUST NOW ------
` + rawTrace))
		assert.False(t, ok)
		assert.Zero(t, confidence)
	})

	t.Run("TooShort", func(t *testing.T) {
		ok, _ := bugreport.Detect(lines(`
----- pid 1 at 2012-01-01 10:00:00 -----
Cmd line: init
----- end 1 -----`))
		assert.False(t, ok, "needs more than five matching lines")
	})
}

func TestLoad(t *testing.T) {
	t.Run("RawTrace", func(t *testing.T) {
		report, err := bugreport.Load(strings.NewReader(rawTrace))
		require.NoError(t, err)
		anr, ok := report.Section(bugreport.VMTracesAtLastANR)
		require.True(t, ok)
		assert.Equal(t, "----- pid 4242 at 2012-01-01 10:00:00 -----", anr[1])
	})

	t.Run("BugReport", func(t *testing.T) {
		head := strings.Repeat("== dumpstate header\n", 10)
		report, err := bugreport.Load(strings.NewReader(head + "------ VM TRACES JUST NOW ------\n" + rawTrace))
		require.NoError(t, err)
		assert.Equal(t, []string{bugreport.VMTracesJustNow}, report.Sections())
	})
}

func TestParsePS(t *testing.T) {
	ps := lines(`
LABEL                          USER     PID   TID  PPID     VSZ    RSS WCHAN            ADDR S PRI  NI RTPRIO SCH PCY CMD
u:r:init:s0                    root       1     1     0   21312   2000 SyS_epoll_wait      0 S  19   0     -   0  fg init
u:r:zygote:s0                  root     600   600     1 1500000  80000 poll_schedule_timeout 0 S 19 0 - 0 fg zygote
u:r:untrusted_app:s0           u0_a42  4242  4242   600 1600000  90000 SyS_epoll_wait      0 S  10 -10     -   0  ta com.example.mail
u:r:untrusted_app:s0           u0_a42  4242  4250   600 1600000  90000 binder_ioctl        0 S  20   0     -   0  fg Binder:4242_2
u:r:untrusted_app:s0           u0_a42  4242  4251   600 1600000  90000 futex_wait_queue    0 S  20   0     -   0  fg RenderThread
u:r:untrusted_app:s0           u0_a42  bad   4252   600 1600000  90000 futex_wait_queue    0 S  20   0     -   0  fg broken
u:r:untrusted_app:s0           u0_a42  4242  4253   600 1600000  90000 futex_wait_queue    0 S  20   0     -   0  fg
short line
[ps: 0.1s elapsed]
u:r:untrusted_app:s0           u0_a42  4242  4299   600 1600000  90000 futex_wait_queue    0 S  20   0     -   0  fg after`)

	table := bugreport.ParsePS(ps, nil)
	require.NotNil(t, table)
	assert.Equal(t, 6, table.Len())

	app, ok := table.Record(4242)
	require.True(t, ok)
	assert.Equal(t, 600, app.PPid, "a main thread points at its parent process")
	assert.Equal(t, "com.example.mail", app.Name)

	render, ok := table.Record(4251)
	require.True(t, ok)
	assert.Equal(t, 4242, render.PPid, "a thread points at its process")

	children := table.Children(4242)
	require.Len(t, children, 3)
	assert.Equal(t, "Binder:4242_2", children[0].Name)
	assert.Equal(t, "RenderThread", children[1].Name)
	assert.Equal(t, "unknown", children[2].Name)

	_, ok = table.Record(4299)
	assert.False(t, ok, "rows after the trailer are ignored")

	t.Run("NoHeader", func(t *testing.T) {
		assert.Nil(t, bugreport.ParsePS(lines("USER PID PPID\nroot 1 0"), nil))
	})

	t.Run("NilTable", func(t *testing.T) {
		var table *bugreport.PSTable
		assert.Zero(t, table.Len())
		assert.Empty(t, table.Children(1))
	})
}

func TestNames(t *testing.T) {
	names := bugreport.NewNames()
	names.NameHint(42, "from-ps", bugreport.PriorityPS)
	names.NameHint(42, "", 100)

	name, ok := names.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "from-ps", name)

	names.NameHint(42, "from-dump", bugreport.PriorityThreadTag)
	names.NameHint(42, "late", bugreport.PriorityThreadTag)
	name, _ = names.Lookup(42)
	assert.Equal(t, "from-dump", name, "ties keep the first hint")

	names.NameHint(42, "low", bugreport.PriorityPS)
	name, _ = names.Lookup(42)
	assert.Equal(t, "from-dump", name)

	_, ok = names.Lookup(7)
	assert.False(t, ok)
	assert.Equal(t, 1, names.Len())
}
