package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co2jig/controller/pkg/dutlink"
	"github.com/co2jig/controller/pkg/types"
)

// scriptedPort replies with a fixed response, or never completes (to
// exercise timeout/exclusion behavior) when reply is nil.
type scriptedPort struct {
	reply []byte
	sent  int
}

func (p *scriptedPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *scriptedPort) Close() error                 { return nil }
func (p *scriptedPort) SetReadTimeout(time.Duration) {}
func (p *scriptedPort) Read(b []byte) (int, error) {
	if p.reply == nil || p.sent >= len(p.reply) {
		return 0, scriptedTimeout{}
	}
	n := copy(b, p.reply[p.sent:])
	p.sent += n
	return n, nil
}

type scriptedTimeout struct{}

func (scriptedTimeout) Error() string { return "timeout" }
func (scriptedTimeout) Timeout() bool { return true }

func link(slot string, reply []byte) *dutlink.DutLink {
	return dutlink.Wrap(slot, &scriptedPort{reply: reply}, nil)
}

func TestBroadcast_AllSucceed(t *testing.T) {
	f := New([]*dutlink.DutLink{
		link("dut1", []byte("co2_ppm_verif=990\nrc=0\nshell>")),
		link("dut2", []byte("co2_ppm_verif=1150\nrc=0\nshell>")),
	}, nil)

	results := f.Broadcast(context.Background(), "co2 verif 0 995 1", time.Second)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotNil(t, r.Reply)
	}
	assert.Equal(t, 2, f.ActiveCount())
}

func TestBroadcast_TimeoutExcludesOnlyThatDUT(t *testing.T) {
	f := New([]*dutlink.DutLink{
		link("dut1", []byte("ok=1\nrc=0\nshell>")),
		link("dut2", nil), // never replies
		link("dut3", []byte("ok=1\nrc=0\nshell>")),
	}, nil)

	results := f.Broadcast(context.Background(), "co2 verif 1 2100 1", 10*time.Millisecond)
	require.Len(t, results, 3)
	assert.True(t, f.Excluded("dut2"))
	assert.False(t, f.Excluded("dut1"))
	assert.False(t, f.Excluded("dut3"))
	assert.Equal(t, 2, f.ActiveCount())

	second := f.Broadcast(context.Background(), "perso get_co2cal_fast", time.Second)
	assert.Len(t, second, 2)
}

func TestBroadcast_NonZeroRCExcludes(t *testing.T) {
	f := New([]*dutlink.DutLink{
		link("dut1", []byte("err=bad\nrc=1\nshell>")),
	}, nil)

	results := f.Broadcast(context.Background(), "probe", time.Second)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, dutlink.ErrNonZeroRC)
	assert.True(t, f.Excluded("dut1"))
}

func TestBroadcastReadback_StoresOnlySuccessful(t *testing.T) {
	links := []*dutlink.DutLink{
		link("dut1", []byte("co2cal_0=510\nrc=0\nshell>")),
		link("dut2", nil),
	}
	f := New(links, nil)

	var stored []string
	f.BroadcastReadback(context.Background(), "perso get_co2cal_fast", 10*time.Millisecond, func(l *dutlink.DutLink, pairs []types.KV) {
		stored = append(stored, l.SlotName)
	})
	assert.Equal(t, []string{"dut1"}, stored)
}
