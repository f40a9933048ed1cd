package progress

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hwpplayers/multipass/lib/vault"
)

func TestSubscribeDeliversCurrentStateFirst(t *testing.T) {
	tr := NewTracker("valley-pied-piper")
	tr.Update(vault.DownloadImage, 42)

	ch, err := tr.Subscribe(context.Background())
	require.NoError(t, err)

	update := <-ch
	require.Equal(t, StateFetching, update.State)
	require.Equal(t, 42, update.Percent)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	tr := NewTracker("valley-pied-piper")

	ch, err := tr.Subscribe(context.Background())
	require.NoError(t, err)
	<-ch // initial state

	tr.Update(vault.DownloadKernel, 10)
	update := <-ch
	require.Equal(t, "kernel", update.Kind)
	require.Equal(t, 10, update.Percent)

	tr.Complete(vault.VMImage{ID: "abc"})
	update = <-ch
	require.Equal(t, StateReady, update.State)
	require.Equal(t, "abc", update.Image.ID)
}

func TestCloseEndsSubscribers(t *testing.T) {
	tr := NewTracker("valley-pied-piper")

	ch, err := tr.Subscribe(context.Background())
	require.NoError(t, err)
	tr.Close()

	<-ch // drain initial state
	_, open := <-ch
	require.False(t, open)

	_, err = tr.Subscribe(context.Background())
	require.Error(t, err)
}

func TestContextCancelUnsubscribes(t *testing.T) {
	tr := NewTracker("valley-pied-piper")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	<-ch // initial state
	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestSSEReaderEmitsEvents(t *testing.T) {
	tr := NewTracker("valley-pied-piper")
	ch, err := tr.Subscribe(context.Background())
	require.NoError(t, err)

	tr.Fail(io.ErrUnexpectedEOF)
	tr.Close()

	data, err := io.ReadAll(ToSSEReader(ch))
	require.NoError(t, err)

	events := strings.Split(strings.TrimSuffix(string(data), "\n\n"), "\n\n")
	require.Len(t, events, 2)
	require.True(t, strings.HasPrefix(events[0], "data: "))
	require.Contains(t, events[0], `"state":"fetching"`)
	require.Contains(t, events[1], `"state":"failed"`)
	require.Contains(t, events[1], "unexpected EOF")
}
