package process_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiralibabic/merlind/internal/merlin"
	"github.com/samiralibabic/merlind/internal/process"
	"github.com/samiralibabic/merlind/internal/process/processtest"
)

func newSupervisor(t *testing.T, l process.Launcher, opts process.Options) *process.Supervisor {
	t.Helper()
	s := process.NewSupervisor(l, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	eng := processtest.NewEngine(nil)
	s := newSupervisor(t, eng, process.Options{})
	ctx := context.Background()

	assert.Equal(t, process.StateUnstarted, s.State())
	require.NoError(t, s.EnsureRunning(ctx))
	require.NoError(t, s.EnsureRunning(ctx))

	assert.Equal(t, 1, eng.Launches())
	assert.Equal(t, 1, s.Generation())
	assert.Equal(t, process.StateRunning, s.State())
}

func TestSendReturnsEveryTagAsEnvelope(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		switch processtest.Label(cmd) {
		case "refresh":
			return `["return"]`
		case "project find":
			return processtest.Failure("no .merlin")
		case "errors":
			return processtest.Error(map[string]string{"message": "Syntax error"})
		case "find list":
			return processtest.Exception("Not_found")
		}
		return processtest.Return([]string{"ok"})
	})
	s := newSupervisor(t, eng, process.Options{})
	ctx := context.Background()

	env, err := s.Send(ctx, merlin.NewCommand("refresh"))
	require.NoError(t, err)
	assert.Equal(t, merlin.TagReturn, env.Tag)
	assert.Nil(t, env.Payload)

	env, err = s.Send(ctx, merlin.NewCommand("project", "find", "/src/a.ml"))
	require.NoError(t, err)
	assert.Equal(t, merlin.TagFailure, env.Tag)
	assert.JSONEq(t, `"no .merlin"`, string(env.Payload))

	env, err = s.Send(ctx, merlin.NewCommand("errors"))
	require.NoError(t, err)
	assert.Equal(t, merlin.TagError, env.Tag)

	env, err = s.Send(ctx, merlin.NewCommand("find", "list"))
	require.NoError(t, err)
	assert.Equal(t, merlin.TagException, env.Tag)

	env, err = s.Send(ctx, merlin.NewCommand("tell", "start"))
	require.NoError(t, err)
	assert.Equal(t, merlin.TagReturn, env.Tag)
	assert.Equal(t, 1, eng.Launches(), "protocol-level replies must not restart the engine")
}

func TestSendWritesEncodedCommand(t *testing.T) {
	eng := processtest.NewEngine(nil)
	s := newSupervisor(t, eng, process.Options{})

	_, err := s.Send(context.Background(), merlin.NewCommand("complete", "prefix", "List.m", "at", merlin.Position{Line: 3, Col: 7}))
	require.NoError(t, err)
	assert.Equal(t, []string{`["complete","prefix","List.m","at",{"line":3,"col":7}]`}, eng.Commands())
}

func TestRepliesAreConsumedInSendOrder(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		return processtest.Return(cmd[len(cmd)-1])
	})
	s := newSupervisor(t, eng, process.Options{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		env, err := s.Send(ctx, merlin.NewCommand("tell", "source", fmt.Sprintf("chunk-%d", i)))
		require.NoError(t, err)
		var got string
		require.NoError(t, json.Unmarshal(env.Payload, &got))
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), got)
	}
}

func TestMissingBinaryIsSpawnFaultAndRecoversAfterFix(t *testing.T) {
	s := newSupervisor(t, process.ExecLauncher{Binary: "/nonexistent/bin/ocamlmerlin"}, process.Options{})
	ctx := context.Background()

	err := s.EnsureRunning(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrSpawn)
	assert.True(t, process.IsTransport(err))
	assert.Contains(t, err.Error(), "/nonexistent/bin/ocamlmerlin")

	_, err = s.Send(ctx, merlin.NewCommand("refresh"))
	assert.ErrorIs(t, err, process.ErrSpawn)

	eng := processtest.NewEngine(nil)
	s.SetLauncher(eng)
	env, err := s.Send(ctx, merlin.NewCommand("refresh"))
	require.NoError(t, err)
	assert.Equal(t, merlin.TagReturn, env.Tag)
	assert.Equal(t, 1, eng.Launches())
}

func TestLaunchErrorFromLauncher(t *testing.T) {
	eng := processtest.NewEngine(nil)
	eng.FailLaunch(errors.New("exec format error"))
	s := newSupervisor(t, eng, process.Options{})

	err := s.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, process.ErrSpawn)
	assert.Equal(t, process.StateUnstarted, s.State())
}

func TestCodecFaultKillsProcess(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		return `["bogus-tag", 1]`
	})
	s := newSupervisor(t, eng, process.Options{})
	ctx := context.Background()

	_, err := s.Send(ctx, merlin.NewCommand("errors"))
	require.Error(t, err)
	assert.ErrorIs(t, err, merlin.ErrCodec)
	assert.Equal(t, process.StateExited, s.State())

	eng.SetHandler(processtest.Default)
	_, err = s.Send(ctx, merlin.NewCommand("errors"))
	require.NoError(t, err)
	assert.Equal(t, 2, eng.Launches())
	assert.Equal(t, 2, s.Generation())
}

func TestReadTimeoutKillsAndRestarts(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		if processtest.Label(cmd) == "errors" {
			return ""
		}
		return processtest.Return(nil)
	})
	s := newSupervisor(t, eng, process.Options{ReadTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := s.Send(ctx, merlin.NewCommand("errors"))
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrTimeout)
	assert.True(t, process.IsTransport(err))

	env, err := s.Send(ctx, merlin.NewCommand("refresh"))
	require.NoError(t, err)
	assert.Equal(t, merlin.TagReturn, env.Tag)
	assert.Equal(t, 2, eng.Launches())
}

func TestContextCancellationKillsProcess(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string { return "" })
	s := newSupervisor(t, eng, process.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, merlin.NewCommand("errors"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, process.StateExited, s.State())
}

func TestCrashedEngineIsRelaunchedOnNextSend(t *testing.T) {
	eng := processtest.NewEngine(nil)
	s := newSupervisor(t, eng, process.Options{})
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx))
	eng.Crash()
	require.Eventually(t, func() bool { return s.State() == process.StateExited }, time.Second, 5*time.Millisecond)

	_, err := s.Send(ctx, merlin.NewCommand("refresh"))
	require.NoError(t, err)
	assert.Equal(t, 2, eng.Launches())
	assert.Equal(t, 2, s.Generation())
}

func TestExitBeforeReplyIsTransportFault(t *testing.T) {
	eng := processtest.NewEngine(func(cmd []any) string {
		if processtest.Label(cmd) == "errors" {
			return processtest.Exit
		}
		return processtest.Return(nil)
	})
	s := newSupervisor(t, eng, process.Options{})

	_, err := s.Send(context.Background(), merlin.NewCommand("errors"))
	assert.ErrorIs(t, err, process.ErrExited)
	assert.Equal(t, process.StateExited, s.State())
}

func TestRestartsAreThrottled(t *testing.T) {
	eng := processtest.NewEngine(nil)
	s := newSupervisor(t, eng, process.Options{RestartsPerMinute: 1, RestartBurst: 1})
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx))
	eng.Crash()
	require.Eventually(t, func() bool { return s.State() == process.StateExited }, time.Second, 5*time.Millisecond)

	err := s.EnsureRunning(ctx)
	assert.ErrorIs(t, err, process.ErrThrottled)
	assert.Equal(t, 1, eng.Launches())
}

func TestClosedSupervisorRefusesWork(t *testing.T) {
	eng := processtest.NewEngine(nil)
	s := process.NewSupervisor(eng, process.Options{})
	require.NoError(t, s.EnsureRunning(context.Background()))
	require.NoError(t, s.Close())

	_, err := s.Send(context.Background(), merlin.NewCommand("refresh"))
	assert.ErrorIs(t, err, process.ErrClosed)
	assert.Equal(t, process.StateExited, s.State())
}
