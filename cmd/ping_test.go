package cmd

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/datalink/sim"
	"firestige.xyz/netstack/internal/stack"
)

// MockPinger implements Pinger
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(dst string, budget uint32) (uint32, error) {
	args := m.Called(dst, budget)
	return uint32(args.Int(0)), args.Error(1)
}

func TestRunPing_Summary(t *testing.T) {
	p := new(MockPinger)
	p.On("Ping", "10.0.0.9", uint32(500)).Return(40, nil).Once()
	p.On("Ping", "10.0.0.9", uint32(500)).Return(0, fmt.Errorf("%w: no reply", core.ErrTimedOut)).Once()
	p.On("Ping", "10.0.0.9", uint32(500)).Return(60, nil).Once()

	var buf bytes.Buffer
	sum, err := runPing(context.Background(), p, "10.0.0.9", pingOptions{Count: 3, Budget: 500 * time.Millisecond}, &buf)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Sent)
	assert.Equal(t, 2, sum.Received)
	assert.Equal(t, uint32(40), sum.Min)
	assert.Equal(t, uint32(60), sum.Max)
	assert.Contains(t, buf.String(), "reply from 10.0.0.9: seq=1 time=40ms")
	assert.Contains(t, buf.String(), "request timed out: seq=2")
	assert.Contains(t, buf.String(), "3 sent, 2 received, 33.3% loss")
	assert.Contains(t, buf.String(), "rtt min/avg/max = 40/50/60 ms")
	p.AssertExpectations(t)
}

func TestRunPing_Unreachable(t *testing.T) {
	p := new(MockPinger)
	p.On("Ping", "10.0.0.77", mock.Anything).Return(0, core.ErrUnreachable)

	var buf bytes.Buffer
	sum, err := runPing(context.Background(), p, "10.0.0.77", pingOptions{Count: 2, Budget: time.Second}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Unreachable)
	assert.Contains(t, buf.String(), "10.0.0.77 unreachable: seq=1")
	assert.NotContains(t, buf.String(), "rtt min/avg/max")
}

func TestRunPing_StopsOnHardError(t *testing.T) {
	p := new(MockPinger)
	p.On("Ping", mock.Anything, mock.Anything).Return(0, core.ErrInvalidState).Once()

	var buf bytes.Buffer
	_, err := runPing(context.Background(), p, "10.0.0.9", pingOptions{Count: 5, Budget: time.Second}, &buf)
	assert.ErrorIs(t, err, core.ErrInvalidState)
	p.AssertExpectations(t)
}

func TestRunPing_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := new(MockPinger)
	p.On("Ping", mock.Anything, mock.Anything).Return(1, nil).Run(func(mock.Arguments) { cancel() })

	var buf bytes.Buffer
	sum, err := runPing(ctx, p, "10.0.0.9", pingOptions{Budget: time.Second, Interval: time.Hour}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
}

func TestRunPing_AgainstSimulatedSegment(t *testing.T) {
	clk := clock.NewManual(0)
	dev, err := sim.Build(sim.Options{
		LinkUp: true,
		Peers:  []sim.PeerOptions{{IP: "10.0.0.9", MAC: "02:00:00:00:00:09", EchoDelayMs: 25}},
	}, clk)
	require.NoError(t, err)

	cfg, err := config.Default("10.0.0.5", "255.255.255.0", "")
	require.NoError(t, err)

	st := stack.New()
	var reports bytes.Buffer
	require.NoError(t, subscribeReports(st, &reports))
	require.NoError(t, st.Initialise(stack.ConfigFrom(cfg, clk, dev)))
	defer st.Shutdown()
	require.NoError(t, st.Startup())
	assert.Contains(t, reports.String(), "link up")

	var buf bytes.Buffer
	sum, err := runPing(context.Background(), st, "10.0.0.9", pingOptions{Count: 2, Budget: 2 * time.Second}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Received)
	assert.Contains(t, buf.String(), "time=25ms")
}

func TestPingOptionsFrom(t *testing.T) {
	cfg, err := config.Default("10.0.0.5", "255.255.255.0", "")
	require.NoError(t, err)

	defer func() { pingCount, pingBudget, pingInterval = 0, 0, -1 }()
	opts := pingOptionsFrom(cfg)
	assert.Equal(t, pingOptions{Count: 4, Budget: 2 * time.Second, Interval: time.Second}, opts)

	pingCount, pingBudget, pingInterval = 1, time.Second, 0
	assert.Equal(t, pingOptions{Count: 1, Budget: time.Second}, pingOptionsFrom(cfg))
}
