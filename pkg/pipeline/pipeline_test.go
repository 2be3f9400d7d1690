package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/depotfetch/pkg/changelist"
	"github.com/Sumatoshi-tech/depotfetch/pkg/contentstore"
	"github.com/Sumatoshi-tech/depotfetch/pkg/p4"
	"github.com/Sumatoshi-tech/depotfetch/pkg/p4/replay"
	"github.com/Sumatoshi-tech/depotfetch/pkg/pipeline"
	"github.com/Sumatoshi-tech/depotfetch/pkg/workerpool"
)

const changeCount = 6

var errConsumer = errors.New("commit writer rejected change")

func fixture() replay.Fixture {
	changes := make([]replay.Change, 0, changeCount)

	for c := 1; c <= changeCount; c++ {
		files := make([]replay.FileRecord, 0, c)

		for i := range c {
			files = append(files, replay.FileRecord{
				DepotFile: fmt.Sprintf("//depot/main/dir%d/file%d.txt", c, i),
				Revision:  strconv.Itoa(c),
				Action:    "edit",
				Type:      "text",
				Content:   fmt.Sprintf("change %d file %d", c, i),
			})
		}

		changes = append(changes, replay.Change{Number: strconv.Itoa(c), User: "alice", Files: files})
	}

	return replay.Fixture{Changes: changes}
}

func headersOf(depot *replay.Depot) []changelist.Header {
	changes := depot.Changes()
	headers := make([]changelist.Header, 0, len(changes))

	for _, c := range changes {
		headers = append(headers, changelist.Header{Number: c.Number, User: c.User, Timestamp: c.Timestamp})
	}

	return headers
}

func newRunner(t *testing.T, depot *replay.Depot, lookahead int) (*pipeline.Runner, *contentstore.Memory) {
	t.Helper()

	pool, err := workerpool.New(3, depot.NewSession)
	require.NoError(t, err)

	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	store := contentstore.NewMemory()

	return &pipeline.Runner{
		Pool:  pool,
		Store: store,
		Options: pipeline.Options{
			Download:  changelist.DownloadOptions{DepotPath: "//depot/...", BatchSize: 2},
			Lookahead: lookahead,
		},
	}, store
}

type collector struct {
	order    []string
	contents map[string]string
}

func (c *collector) consume(_ context.Context, cl *changelist.Changelist) error {
	c.order = append(c.order, cl.Number)

	for _, f := range cl.Files() {
		data, err := f.Contents()
		if err != nil {
			return err
		}

		c.contents[f.Spec()] = string(data)
	}

	return nil
}

func TestRunner_ConsumesInOrderForAnyLookahead(t *testing.T) {
	t.Parallel()

	var reference *collector

	for _, lookahead := range []int{0, 1, 3, 100} {
		depot, err := replay.NewDepot(fixture())
		require.NoError(t, err)

		runner, store := newRunner(t, depot, lookahead)
		got := &collector{contents: make(map[string]string)}

		stats, err := runner.Run(context.Background(), headersOf(depot), got.consume)
		require.NoError(t, err)

		assert.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, got.order)
		assert.Equal(t, changeCount, stats.Changelists)
		assert.Equal(t, 21, stats.Files)
		assert.Equal(t, 21, stats.Included)
		assert.Zero(t, store.Len(), "every changelist is cleared after consumption")

		if reference == nil {
			reference = got

			continue
		}

		assert.Equal(t, reference.contents, got.contents, "lookahead %d", lookahead)
	}
}

func TestRunner_BoundsLookahead(t *testing.T) {
	t.Parallel()

	depot, err := replay.NewDepot(fixture())
	require.NoError(t, err)

	runner, _ := newRunner(t, depot, 1)

	var describedAtFirst int64

	_, err = runner.Run(context.Background(), headersOf(depot), func(_ context.Context, cl *changelist.Changelist) error {
		if cl.Number == "1" {
			describedAtFirst = depot.Calls().Describes
		}

		return nil
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, describedAtFirst, int64(1))
	assert.LessOrEqual(t, describedAtFirst, int64(2))
	assert.Equal(t, int64(changeCount), depot.Calls().Describes)
}

func TestRunner_HaltsOnDownloadFailure(t *testing.T) {
	t.Parallel()

	fx := fixture()
	fx.Changes[2].Error = "Connect to server failed"

	depot, err := replay.NewDepot(fx)
	require.NoError(t, err)

	runner, store := newRunner(t, depot, 2)
	got := &collector{contents: make(map[string]string)}

	stats, err := runner.Run(context.Background(), headersOf(depot), got.consume)
	require.ErrorIs(t, err, pipeline.ErrHalted)
	require.ErrorIs(t, err, changelist.ErrDescribe)
	assert.ErrorContains(t, err, "changelist 3")
	assert.ErrorContains(t, err, "Connect to server failed")

	assert.Equal(t, []string{"1", "2"}, got.order)
	assert.Equal(t, 2, stats.Changelists)
	assert.Zero(t, store.Len(), "started changelists are cleared on halt")
}

func TestRunner_HaltsOnConsumerError(t *testing.T) {
	t.Parallel()

	depot, err := replay.NewDepot(fixture())
	require.NoError(t, err)

	runner, store := newRunner(t, depot, 3)

	var seen []string

	_, err = runner.Run(context.Background(), headersOf(depot), func(_ context.Context, cl *changelist.Changelist) error {
		seen = append(seen, cl.Number)

		if cl.Number == "2" {
			return errConsumer
		}

		return nil
	})
	require.ErrorIs(t, err, errConsumer)
	assert.ErrorContains(t, err, "changelist 2")
	assert.Equal(t, []string{"1", "2"}, seen)
	assert.Zero(t, store.Len())
}

func TestRunner_HaltsWhenPoolIsClosed(t *testing.T) {
	t.Parallel()

	depot, err := replay.NewDepot(fixture())
	require.NoError(t, err)

	pool, err := workerpool.New(1, func(worker int) (p4.Session, error) { return depot.NewSession(worker) })
	require.NoError(t, err)
	require.NoError(t, pool.Close(context.Background()))

	runner := &pipeline.Runner{
		Pool:    pool,
		Store:   contentstore.NewMemory(),
		Options: pipeline.Options{Download: changelist.DownloadOptions{BatchSize: 1}},
	}

	_, err = runner.Run(context.Background(), headersOf(depot), func(context.Context, *changelist.Changelist) error {
		t.Error("nothing should be consumed")

		return nil
	})
	require.ErrorIs(t, err, workerpool.ErrClosed)
}

// refusingPool refuses the n-th submission and calls onRefuse; every other
// submission goes through.
type refusingPool struct {
	changelist.Submitter

	mu       sync.Mutex
	count    int
	refuseAt int
	onRefuse func()
}

var errRefused = errors.New("pool refused job")

func (p *refusingPool) SubmitWithDrop(job workerpool.Job[p4.Session], onDrop workerpool.DropFunc) error {
	p.mu.Lock()
	p.count++
	refuse := p.count == p.refuseAt
	p.mu.Unlock()

	if refuse {
		p.onRefuse()

		return errRefused
	}

	return p.Submitter.SubmitWithDrop(job, onDrop)
}

func TestRunner_StartFailureAheadStillConsumesEarlierChangelists(t *testing.T) {
	t.Parallel()

	depot, err := replay.NewDepot(fixture())
	require.NoError(t, err)

	runner, store := newRunner(t, depot, 3)
	pool, ok := runner.Pool.(*workerpool.Pool[p4.Session])
	require.True(t, ok)

	// Hold every worker so the only submissions before the refusal are the
	// describe and filter jobs of changelists 1 and 2.
	release := make(chan struct{})
	for range pool.Size() {
		require.NoError(t, pool.Submit(func(p4.Session) { <-release }))
	}

	runner.Pool = &refusingPool{Submitter: pool, refuseAt: 5, onRefuse: func() { close(release) }}

	var seen []string

	_, err = runner.Run(context.Background(), headersOf(depot)[:3], func(_ context.Context, cl *changelist.Changelist) error {
		seen = append(seen, cl.Number)

		return nil
	})
	require.ErrorIs(t, err, pipeline.ErrHalted)
	require.ErrorIs(t, err, errRefused)
	assert.ErrorContains(t, err, "changelist 3")
	assert.Equal(t, []string{"1", "2"}, seen)
	assert.Zero(t, store.Len())
}

func TestRunner_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	depot, err := replay.NewDepot(fixture())
	require.NoError(t, err)

	runner, _ := newRunner(t, depot, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = runner.Run(ctx, headersOf(depot), func(context.Context, *changelist.Changelist) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunner_RejectsNegativeLookahead(t *testing.T) {
	t.Parallel()

	runner := &pipeline.Runner{Options: pipeline.Options{Lookahead: -1}}

	_, err := runner.Run(context.Background(), nil, nil)
	require.ErrorIs(t, err, pipeline.ErrInvalidLookahead)
}

func TestRunner_EmptyInput(t *testing.T) {
	t.Parallel()

	depot, err := replay.NewDepot(replay.Fixture{})
	require.NoError(t, err)

	runner, _ := newRunner(t, depot, pipeline.DefaultLookahead)

	stats, err := runner.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Changelists)
}
