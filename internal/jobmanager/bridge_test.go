package jobmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// roleConn is a role process seen from the supervisor: requests are
// dispatched as arriving on local, replies are read from remote.
type roleConn struct {
	local   *bus.ChanHandle
	replies chan bus.Message
}

func newRoleConn(t *testing.T, id string) *roleConn {
	t.Helper()
	local, remote := bus.NewChanPair(id, id+"-child")
	c := &roleConn{local: local, replies: make(chan bus.Message, 64)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range remote.Receive() {
			c.replies <- msg
		}
	}()
	t.Cleanup(func() {
		local.Close()
		<-done
	})
	return c
}

// until reads replies up to and including the first message of type last.
func (c *roleConn) until(t *testing.T, last bus.Type) []bus.Message {
	t.Helper()
	var out []bus.Message
	for {
		select {
		case msg := <-c.replies:
			out = append(out, msg)
			if msg.Type == last {
				return out
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no %s reply, got %v", last, out)
		}
	}
}

func newTestBridge(t *testing.T, b *blockingTrainer) (*Bridge, *bus.Router, *JobManager) {
	t.Helper()
	jm, _ := newTestManager(t, mixedTrainers(b))
	br := NewBridge(jm, nil)
	r := bus.NewRouter()
	br.Install(r)
	return br, r, jm
}

func trainMsg(kind types.Kind, id string) bus.Message {
	return bus.New(bus.JobType(kind, bus.VerbTrain), id, &bus.Train{Data: json.RawMessage(`{}`)})
}

func TestBridgeInstallsEveryKind(t *testing.T) {
	_, r, _ := newTestBridge(t, newBlockingTrainer())
	for _, kind := range types.Kinds {
		assert.True(t, r.Has(bus.JobType(kind, bus.VerbTrain)))
		assert.True(t, r.Has(bus.JobType(kind, bus.VerbKill)))
	}
}

func TestBridgeRepliesToRequester(t *testing.T) {
	_, r, _ := newTestBridge(t, newBlockingTrainer())
	web := newRoleConn(t, "web")

	require.NoError(t, r.Dispatch(context.Background(), web.local, trainMsg(types.KindSVM, "b-1")))

	msgs := web.until(t, bus.JobType(types.KindSVM, bus.VerbDone))
	require.Len(t, msgs, 4)
	for _, m := range msgs[:3] {
		assert.Equal(t, bus.JobType(types.KindSVM, bus.VerbProgress), m.Type)
		assert.Equal(t, "b-1", m.ID)
	}
	p, ok := bus.As[*bus.Progress](msgs[2])
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Progress)

	done, ok := bus.As[*bus.Done](msgs[3])
	require.True(t, ok)
	assert.NotEmpty(t, done.Result)
}

func TestBridgeDuplicateRepliesError(t *testing.T) {
	b := newBlockingTrainer()
	_, r, jm := newTestBridge(t, b)
	web := newRoleConn(t, "web")

	require.NoError(t, r.Dispatch(context.Background(), web.local, trainMsg(types.KindCRF, "b-2")))
	b.waitStarted(t)
	require.NoError(t, r.Dispatch(context.Background(), web.local, trainMsg(types.KindCRF, "b-2")))

	msgs := web.until(t, bus.JobType(types.KindCRF, bus.VerbError))
	f, ok := bus.As[*bus.Failure](msgs[len(msgs)-1])
	require.True(t, ok)
	assert.Contains(t, f.Error, ErrDuplicateTraining.Error())

	_, running := jm.Get("b-2")
	assert.True(t, running, "first job keeps running")
}

func TestBridgeKillOnlyFromOwner(t *testing.T) {
	b := newBlockingTrainer()
	_, r, jm := newTestBridge(t, b)
	web := newRoleConn(t, "web")
	nlu := newRoleConn(t, "nlu")

	require.NoError(t, r.Dispatch(context.Background(), web.local, trainMsg(types.KindCRF, "b-3")))
	b.waitStarted(t)

	kill := bus.New(bus.JobType(types.KindCRF, bus.VerbKill), "b-3", &bus.Kill{})
	require.NoError(t, r.Dispatch(context.Background(), nlu.local, kill))
	_, running := jm.Get("b-3")
	assert.True(t, running, "kill from a non-owner is ignored")

	require.NoError(t, r.Dispatch(context.Background(), web.local, kill))
	msgs := web.until(t, bus.JobType(types.KindCRF, bus.VerbError))
	f, ok := bus.As[*bus.Failure](msgs[len(msgs)-1])
	require.True(t, ok)
	assert.Contains(t, f.Error, ErrTrainingCancelled.Error())
	b.waitKilled(t)
}

func TestBridgeRejectsMalformedTrain(t *testing.T) {
	_, r, _ := newTestBridge(t, newBlockingTrainer())
	web := newRoleConn(t, "web")

	err := r.Dispatch(context.Background(), web.local, bus.New(bus.JobType(types.KindSVM, bus.VerbTrain), "b-4", &bus.Kill{}))
	assert.ErrorIs(t, err, bus.ErrMalformed)
}
