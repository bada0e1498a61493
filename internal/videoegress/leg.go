// Package videoegress implements the per-viewer WebRTC video leg: a viewer
// that negotiates "video/webrtc+h264" during handshake gets an additional
// PeerConnection carrying encoded samples, alongside its ordinary
// text-protocol socket used for input and non-video instructions.
//
// Grounded on the teacher's remote-desktop WebRTC session setup (peer
// connection + H264 TrackLocalStaticSample + RTCP keyframe-request
// readback), retargeted from a single always-on desktop session to one leg
// per viewer that opted in during the protocol handshake.
package videoegress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const keyframeRequestCooldown = 500 * time.Millisecond

// Leg is one viewer's WebRTC video egress: a peer connection carrying a
// single H264 video track, plus RTCP readback that turns PLI/FIR feedback
// into a keyframe request the driver can act on.
type Leg struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	onKeyframeRequest atomic.Pointer[func()]
	closed            atomic.Bool
}

// NewLeg creates a peer connection with a single outbound H264 video track
// and starts draining RTCP feedback for it. iceServers may be empty, in
// which case a public STUN server is used.
func NewLeg(iceServers []string) (*Leg, error) {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("videoegress: new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "relayd",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("videoegress: new video track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("videoegress: add track: %w", err)
	}

	leg := &Leg{pc: pc, track: track}
	go leg.drainRTCP(sender)
	return leg, nil
}

// drainRTCP reads RTCP packets off sender until the connection closes,
// invoking the keyframe-request callback (rate-limited) on PLI/FIR.
func (l *Leg) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	var lastRequest time.Time
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if time.Since(lastRequest) < keyframeRequestCooldown {
					continue
				}
				lastRequest = time.Now()
				if fn := l.onKeyframeRequest.Load(); fn != nil {
					(*fn)()
				}
			}
		}
	}
}

// OnKeyframeRequest registers the callback invoked when a viewer's decoder
// signals it needs a fresh keyframe. Safe to call before or after the leg
// starts receiving RTCP.
func (l *Leg) OnKeyframeRequest(fn func()) {
	l.onKeyframeRequest.Store(&fn)
}

// Negotiate completes the offer/answer exchange for offerSDP (received over
// the "webrtc-offer" instruction) and returns the local answer SDP to send
// back as "webrtc-answer". It blocks until ICE candidate gathering
// completes so the returned SDP is immediately usable without trickle ICE.
func (l *Leg) Negotiate(offerSDP string) (answerSDP string, err error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("videoegress: set remote description: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("videoegress: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("videoegress: set local description: %w", err)
	}
	<-gatherComplete

	local := l.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("videoegress: no local description after gathering")
	}
	return local.SDP, nil
}

// WriteSample pushes one encoded H264 access unit to the viewer.
func (l *Leg) WriteSample(data []byte, duration time.Duration) error {
	return l.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// Close tears down the peer connection. Safe to call more than once.
func (l *Leg) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.pc.Close()
}
