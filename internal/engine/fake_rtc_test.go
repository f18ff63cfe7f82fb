package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/kuuji/roomrtc/internal/rtc"
)

// fakeFactory and fakePeer give the engine's scenario tests a deterministic
// PeerConnection to drive without touching a real ICE agent, following the
// same host-capability-fake approach the teacher uses for its signaling
// hub tests (bamgate-bamgate/internal/signaling/client_test.go fakes the
// websocket transport rather than dialing one).
type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeerConnection(cfg rtc.Configuration) (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{
		id:        len(f.peers) + 1,
		cfg:       cfg,
		sigState:  rtc.SignalingStateStable,
		connState: rtc.ConnectionStateNew,
		dataChans: make(map[string]*fakeDataChannel),
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type fakePeer struct {
	id  int
	cfg rtc.Configuration

	mu                      sync.Mutex
	sigState                rtc.SignalingState
	connState               rtc.ConnectionState
	dataChans               map[string]*fakeDataChannel
	remoteDesc              *rtc.SessionDescription
	localDesc               *rtc.SessionDescription
	offerSeq                int
	addedCandidates         []rtc.ICECandidateInit
	setRemoteCount          int
	closed                  bool
	selLocal, selRemote     string
	selOK                   bool
	onICECandidate          func(*rtc.ICECandidateInit)
	onNegotiationNeeded     func()
	onConnectionStateChange func(rtc.ConnectionState)
	onDataChannel           func(rtc.DataChannelImpl)
}

func (p *fakePeer) CreateDataChannel(label string, init *rtc.DataChannelInit) (rtc.DataChannelImpl, error) {
	p.mu.Lock()
	dc := newFakeDataChannel(label)
	p.dataChans[label] = dc
	cb := p.onNegotiationNeeded
	p.mu.Unlock()

	// Mirrors pion: adding a data channel triggers negotiationneeded.
	if cb != nil {
		cb()
	}
	return dc, nil
}

func (p *fakePeer) CreateOffer(ctx context.Context, iceRestart bool) (rtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerSeq++
	sdp := fmt.Sprintf("offer-peer%d-seq%d-restart%v", p.id, p.offerSeq, iceRestart)
	return rtc.SessionDescription{Type: rtc.SDPTypeOffer, SDP: sdp}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (rtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sdp := fmt.Sprintf("answer-peer%d", p.id)
	return rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: sdp}, nil
}

func (p *fakePeer) SetLocalDescription(ctx context.Context, desc rtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	if desc.Type == rtc.SDPTypeOffer {
		p.sigState = rtc.SignalingStateHaveLocalOffer
	} else {
		p.sigState = rtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, desc rtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	p.setRemoteCount++
	if desc.Type == rtc.SDPTypeOffer {
		p.sigState = rtc.SignalingStateHaveRemoteOffer
	} else {
		p.sigState = rtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigState = rtc.SignalingStateStable
	return nil
}

func (p *fakePeer) SignalingState() rtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigState
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc != nil
}

func (p *fakePeer) AddICECandidate(c rtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addedCandidates = append(p.addedCandidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*rtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICECandidate = f
	p.mu.Unlock()
}

func (p *fakePeer) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	p.onNegotiationNeeded = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(rtc.ConnectionState)) {
	p.mu.Lock()
	p.onConnectionStateChange = f
	p.mu.Unlock()
}

func (p *fakePeer) OnDataChannel(f func(rtc.DataChannelImpl)) {
	p.mu.Lock()
	p.onDataChannel = f
	p.mu.Unlock()
}

func (p *fakePeer) ConnectionState() rtc.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *fakePeer) SelectedCandidateTypes() (local, remote string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selLocal, p.selRemote, p.selOK
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// --- test-only driver helpers (not part of rtc.PeerConnection) ---

func (p *fakePeer) setConnectionState(s rtc.ConnectionState) {
	p.mu.Lock()
	p.connState = s
	cb := p.onConnectionStateChange
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (p *fakePeer) setSelectedCandidateTypes(local, remote string) {
	p.mu.Lock()
	p.selLocal, p.selRemote, p.selOK = local, remote, true
	p.mu.Unlock()
}

func (p *fakePeer) channel(label string) *fakeDataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataChans[label]
}

func (p *fakePeer) setRemoteDescriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setRemoteCount
}

func (p *fakePeer) addedCandidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addedCandidates)
}

func (p *fakePeer) localDescriptionSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localDesc == nil {
		return ""
	}
	return p.localDesc.SDP
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeDataChannel struct {
	label string

	mu             sync.Mutex
	state          rtc.DataChannelState
	bufferedAmount uint64
	lowThresh      uint64
	sent           []string
	onOpen         func()
	onClose        func()
	onError        func(error)
	onBufferedLow  func()
	onMessage      func(data []byte, isString bool)
}

func newFakeDataChannel(label string) *fakeDataChannel {
	return &fakeDataChannel{label: label, state: rtc.DataChannelStateConnecting}
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) ReadyState() rtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDataChannel) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufferedAmount
}

func (d *fakeDataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lowThresh = threshold
}

func (d *fakeDataChannel) Send(data []byte) error {
	return d.SendText(string(data))
}

func (d *fakeDataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeDataChannel) OnOpen(f func())              { d.mu.Lock(); d.onOpen = f; d.mu.Unlock() }
func (d *fakeDataChannel) OnClose(f func())             { d.mu.Lock(); d.onClose = f; d.mu.Unlock() }
func (d *fakeDataChannel) OnError(f func(error))        { d.mu.Lock(); d.onError = f; d.mu.Unlock() }
func (d *fakeDataChannel) OnBufferedAmountLow(f func()) { d.mu.Lock(); d.onBufferedLow = f; d.mu.Unlock() }
func (d *fakeDataChannel) OnMessage(f func(data []byte, isString bool)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = rtc.DataChannelStateClosed
	return nil
}

// --- test-only driver helpers ---

func (d *fakeDataChannel) open() {
	d.mu.Lock()
	d.state = rtc.DataChannelStateOpen
	cb := d.onOpen
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (d *fakeDataChannel) fireClose() {
	d.mu.Lock()
	d.state = rtc.DataChannelStateClosed
	cb := d.onClose
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (d *fakeDataChannel) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == rtc.DataChannelStateOpen
}

func (d *fakeDataChannel) sentMessages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}
