package rtcpion

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/roomrtc/internal/rtc"
)

// dataChannel adapts a *webrtc.DataChannel to rtc.DataChannelImpl.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func newDataChannel(dc *webrtc.DataChannel) *dataChannel {
	return &dataChannel{dc: dc}
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) ReadyState() rtc.DataChannelState {
	switch d.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return rtc.DataChannelStateConnecting
	case webrtc.DataChannelStateOpen:
		return rtc.DataChannelStateOpen
	case webrtc.DataChannelStateClosing:
		return rtc.DataChannelStateClosing
	case webrtc.DataChannelStateClosed:
		return rtc.DataChannelStateClosed
	default:
		return rtc.DataChannelStateClosed
	}
}

func (d *dataChannel) BufferedAmount() uint64 { return d.dc.BufferedAmount() }

func (d *dataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.dc.SetBufferedAmountLowThreshold(threshold)
}

func (d *dataChannel) Send(data []byte) error {
	if err := d.dc.Send(data); err != nil {
		return fmt.Errorf("sending on data channel %q: %w", d.dc.Label(), err)
	}
	return nil
}

func (d *dataChannel) SendText(s string) error {
	if err := d.dc.SendText(s); err != nil {
		return fmt.Errorf("sending text on data channel %q: %w", d.dc.Label(), err)
	}
	return nil
}

func (d *dataChannel) OnOpen(f func())              { d.dc.OnOpen(f) }
func (d *dataChannel) OnClose(f func())             { d.dc.OnClose(f) }
func (d *dataChannel) OnError(f func(error))        { d.dc.OnError(f) }
func (d *dataChannel) OnBufferedAmountLow(f func()) { d.dc.OnBufferedAmountLow(f) }

func (d *dataChannel) OnMessage(f func(data []byte, isString bool)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data, msg.IsString)
	})
}

func (d *dataChannel) Close() error {
	if err := d.dc.Close(); err != nil {
		return fmt.Errorf("closing data channel %q: %w", d.dc.Label(), err)
	}
	return nil
}
