package rtcpion

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/net/proxy"
)

// WSProxyDialer implements proxy.Dialer by dialing a WebSocket to a TURN
// relay and returning a net.Conn. pion/ice's relay candidate gathering
// uses this interface to establish TCP connections to TURN servers; this
// intercepts those connections and routes them over WebSocket, so a TURN
// relay can sit behind the same HTTP(S) front door as signaling.
//
// The net.Conn returned wraps the WebSocket with *net.TCPAddr values for
// LocalAddr()/RemoteAddr(), which pion/ice requires (forced type assertion
// in its TCP candidate gathering).
type WSProxyDialer struct {
	// Endpoint is the WebSocket URL for the TURN relay (e.g.
	// "wss://relay.example/turn").
	Endpoint string

	// AuthToken is the bearer token for authenticating the WebSocket
	// upgrade, if the relay requires one.
	AuthToken string
}

var _ proxy.Dialer = (*WSProxyDialer)(nil)

// Dial implements proxy.Dialer. network and addr come from pion/ice's relay
// candidate gathering and describe the TURN server address; they are
// ignored in favor of dialing d.Endpoint.
func (d *WSProxyDialer) Dial(network, addr string) (net.Conn, error) {
	ctx := context.Background()

	var opts *websocket.DialOptions
	if d.AuthToken != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + d.AuthToken}},
		}
	}

	wsConn, _, err := websocket.Dial(ctx, d.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing TURN WebSocket %s: %w", d.Endpoint, err)
	}

	netConn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	return &turnConn{
		Conn:       netConn,
		localAddr:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		remoteAddr: parseTCPAddr(addr),
	}, nil
}

// TURNServerURL derives the TURN server URL ("turn:host:port?transport=tcp")
// from a relay's WebSocket endpoint. "turn:" (not "turns:") is used because
// the WebSocket connection already provides TLS; with a proxy dialer set,
// pion/ice does not add TLS on top.
func TURNServerURL(wsEndpoint string) (string, error) {
	u, err := url.Parse(wsEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing relay endpoint: %w", err)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}

	return fmt.Sprintf("turn:%s:%s?transport=tcp", host, port), nil
}

// NewAPIWithTURNProxy builds a *webrtc.API whose SettingEngine routes TURN
// TCP connections through dialer, for deployments where the TURN relay is
// only reachable behind a WebSocket front door.
func NewAPIWithTURNProxy(dialer *WSProxyDialer) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetICEProxyDialer(dialer)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type turnConn struct {
	net.Conn
	localAddr  *net.TCPAddr
	remoteAddr *net.TCPAddr
}

func (c *turnConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *turnConn) RemoteAddr() net.Addr { return c.remoteAddr }

func parseTCPAddr(addr string) *net.TCPAddr {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return &net.TCPAddr{IP: net.ParseIP(strings.TrimSpace(addr)), Port: 443}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			ip = net.IPv4(127, 0, 0, 1)
		} else {
			ip = ips[0]
		}
	}

	port := 443
	if n, err := net.LookupPort("tcp", portStr); err == nil {
		port = n
	}

	return &net.TCPAddr{IP: ip, Port: port}
}
