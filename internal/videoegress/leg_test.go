package videoegress

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestNegotiateBetweenTwoLegsProducesUsableAnswer(t *testing.T) {
	offerer, err := NewLeg(nil)
	require.NoError(t, err)
	defer offerer.Close()

	answerer, err := NewLeg(nil)
	require.NoError(t, err)
	defer answerer.Close()

	offer, err := offerer.pc.CreateOffer(nil)
	require.NoError(t, err)
	gatherComplete := webrtc.GatheringCompletePromise(offerer.pc)
	require.NoError(t, offerer.pc.SetLocalDescription(offer))
	<-gatherComplete

	local := offerer.pc.LocalDescription()
	require.NotNil(t, local)

	answerSDP, err := answerer.Negotiate(local.SDP)
	require.NoError(t, err)
	require.NotEmpty(t, answerSDP)
}

func TestOnKeyframeRequestIsStoredAndCallable(t *testing.T) {
	leg, err := NewLeg(nil)
	require.NoError(t, err)
	defer leg.Close()

	called := false
	leg.OnKeyframeRequest(func() { called = true })
	fn := leg.onKeyframeRequest.Load()
	require.NotNil(t, fn)
	(*fn)()
	require.True(t, called)
}

func TestCloseIsIdempotent(t *testing.T) {
	leg, err := NewLeg(nil)
	require.NoError(t, err)
	require.NoError(t, leg.Close())
	require.NoError(t, leg.Close())
}

func TestWriteSampleBeforeNegotiationDoesNotPanic(t *testing.T) {
	leg, err := NewLeg(nil)
	require.NoError(t, err)
	defer leg.Close()

	err = leg.WriteSample([]byte{0, 0, 0, 1}, 33*time.Millisecond)
	require.NoError(t, err)
}
