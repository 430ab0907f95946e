package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alia5/usbip-vhci/urb"
)

func TestEnqueueRejectedWhenNotPlugged(t *testing.T) {
	reg := New()
	_, err := reg.Enqueue(urb.DirIn, urb.DefaultPipe, &urb.Request{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSeqnumInjectivityAndDirection(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	seen := make(map[SeqNum]bool)
	for i := 0; i < 1000; i++ {
		dir := urb.DirOut
		if i%2 == 0 {
			dir = urb.DirIn
		}
		req, err := reg.Enqueue(dir, urb.DefaultPipe, &urb.Request{})
		require.NoError(t, err)
		require.True(t, req.SeqNum.Valid())
		require.False(t, seen[req.SeqNum], "seqnum reused: %d", req.SeqNum)
		seen[req.SeqNum] = true
		require.Equal(t, dir, req.SeqNum.Direction())
	}
}

func TestQueuePartitioning(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	req, err := reg.Enqueue(urb.DirIn, urb.DefaultPipe, &urb.Request{})
	require.NoError(t, err)

	// Freshly enqueued: on the pending queue only.
	popped, ok := reg.PopPending()
	require.True(t, ok)
	require.Same(t, req, popped)

	_, ok = reg.PopPending()
	require.False(t, ok, "request must not also appear in a second pending pop")

	reg.MarkSent(popped)

	matched, ok := reg.MatchReply(req.SeqNum)
	require.True(t, ok)
	require.Same(t, req, matched)

	_, ok = reg.MatchReply(req.SeqNum)
	require.False(t, ok, "a matched reply must not be matchable twice")
}

func TestCompletionExclusivityReplyVsCancel(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	req, err := reg.Enqueue(urb.DirIn, urb.DefaultPipe, &urb.Request{})
	require.NoError(t, err)
	reg.PopPending()
	reg.MarkSent(req)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, ok := reg.MatchReply(req.SeqNum)
		results <- ok
	}()
	go func() {
		defer wg.Done()
		_, ok, _ := reg.Cancel(req.SeqNum)
		results <- ok
	}()
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one of {reply, cancel} must claim the request")
}

func TestAbortPipeCancelsOnlyMatchingPipe(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	targetPipe := urb.NewPipeHandle(0x81, urb.PipeBulk, 0)
	otherPipe := urb.NewPipeHandle(0x02, urb.PipeBulk, 0)

	var targets []*Request
	for i := 0; i < 3; i++ {
		req, err := reg.Enqueue(urb.DirIn, targetPipe, &urb.Request{})
		require.NoError(t, err)
		targets = append(targets, req)
	}
	other, err := reg.Enqueue(urb.DirOut, otherPipe, &urb.Request{})
	require.NoError(t, err)

	cancelled := reg.AbortPipe(targetPipe)
	require.Len(t, cancelled, 3)
	for _, req := range targets {
		require.Contains(t, cancelled, req)
	}

	// The other pipe's request is untouched and still poppable.
	popped, ok := reg.PopPending()
	require.True(t, ok)
	require.Same(t, other, popped)

	// Replies for aborted seqnums are no longer matchable.
	for _, req := range targets {
		_, ok := reg.MatchReply(req.SeqNum)
		require.False(t, ok)
	}
}

func TestAbortPipeDiscardsPartialSlotRequest(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	pipe := urb.NewPipeHandle(0x02, urb.PipeBulk, 0)
	req, err := reg.Enqueue(urb.DirOut, pipe, &urb.Request{})
	require.NoError(t, err)
	reg.PopPending()
	reg.BeginPartial(req, make([]byte, 48), make([]byte, 1024))

	_, ok := reg.Partial()
	require.True(t, ok)

	cancelled := reg.AbortPipe(pipe)
	require.Len(t, cancelled, 1)

	_, ok = reg.Partial()
	require.False(t, ok, "abort-pipe must clear a partial cursor bound to the aborted request")
}

func TestAbortPipeExceptSparesTheNamedRequest(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	pipe := urb.NewPipeHandle(0x81, urb.PipeBulk, 0)
	victim, err := reg.Enqueue(urb.DirIn, pipe, &urb.Request{})
	require.NoError(t, err)
	spared, err := reg.Enqueue(urb.DirOut, pipe, &urb.Request{})
	require.NoError(t, err)

	cancelled := reg.AbortPipeExcept(pipe, spared.SeqNum, true)
	require.Len(t, cancelled, 1)
	require.Same(t, victim, cancelled[0])

	// The spared request is still fully registered and matchable.
	req, ok := reg.PopPending()
	require.True(t, ok)
	require.Same(t, spared, req)
}

func TestResolveClaimsLikeCancelButReportsNoWasSent(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	req, err := reg.Enqueue(urb.DirIn, urb.DefaultPipe, &urb.Request{})
	require.NoError(t, err)

	resolved, ok := reg.Resolve(req.SeqNum)
	require.True(t, ok)
	require.Same(t, req, resolved)

	_, ok = reg.Resolve(req.SeqNum)
	require.False(t, ok, "a resolved request cannot be resolved twice")
}

func TestNotifyWakesOnEnqueue(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	select {
	case <-reg.Notify():
		t.Fatal("no signal expected before any Enqueue")
	default:
	}

	_, err := reg.Enqueue(urb.DirIn, urb.DefaultPipe, &urb.Request{})
	require.NoError(t, err)

	select {
	case <-reg.Notify():
	default:
		t.Fatal("expected a buffered notify signal after Enqueue")
	}
}

func TestCancelAllResolvesEveryOutstandingRequestExactlyOnce(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)

	const n = 5
	reqs := make([]*Request, n)
	for i := 0; i < n; i++ {
		req, err := reg.Enqueue(urb.DirIn, urb.DefaultPipe, &urb.Request{})
		require.NoError(t, err)
		reqs[i] = req
	}
	// Move a couple through to "sent" to prove CancelAll reaches every queue.
	p0, _ := reg.PopPending()
	reg.MarkSent(p0)

	cancelled := reg.CancelAll()
	require.Len(t, cancelled, n)

	for _, req := range reqs {
		_, ok, _ := reg.Cancel(req.SeqNum)
		require.False(t, ok, "already-cancelled request must not be claimable again")
	}
}

func TestWriteCursorResumesAcrossChunks(t *testing.T) {
	reg := New()
	reg.SetPlugged(true)
	req, err := reg.Enqueue(urb.DirOut, urb.NewPipeHandle(0x02, urb.PipeBulk, 0), &urb.Request{})
	require.NoError(t, err)
	reg.PopPending()

	header := make([]byte, 48)
	for i := range header {
		header[i] = byte(i)
	}
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(200 + i)
	}

	cursor := reg.BeginPartial(req, header, payload)

	var out []byte
	buf := make([]byte, 32)
	for !cursor.Done() {
		n := cursor.Next(buf)
		out = append(out, buf[:n]...)
	}

	require.Equal(t, append(append([]byte{}, header...), payload...), out)

	reg.CompletePartial()
	_, ok := reg.Partial()
	require.False(t, ok)

	matched, ok := reg.MatchReply(req.SeqNum)
	require.True(t, ok)
	require.Same(t, req, matched)
}
