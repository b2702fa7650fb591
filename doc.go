// Package wsdial implements the client side of the [WebSocket] opening
// handshake as specified in [RFC 6455] sections 4.1 and 4.2.
//
// Given a ws:// or wss:// URI, Dial opens a TCP or TLS connection, sends
// an HTTP/1.1 Upgrade request with the required WebSocket headers, and
// verifies the server's Sec-WebSocket-Accept response. The returned Conn
// is the raw bidirectional stream positioned immediately after the
// response header block: message framing, fragmentation and control
// frames are left to a framing layer of the caller's choosing.
//
// Key Features:
// - Client-side opening handshake over plain TCP (ws) or TLS (wss).
// - Header overrides layered over the protocol-required header set.
// - Basic authorization from URI userinfo.
// - Typed errors for bad URIs, bad options, transport and handshake failures.
// - A single timeout covering the connect and every later read and write.
//
// # Getting Started
//
// Dial a server and hand the connection to your framing layer:
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
//	defer cancel()
//
//	conn, err := wsdial.Dial(ctx, "ws://localhost:8080/chat")
//	if err != nil {
//	    log.Fatal("Dial failed:", err)
//	}
//	defer conn.Close()
//
// Options adjust the handshake. The same Dialer can be reused across
// goroutines:
//
//	dialer, err := wsdial.NewDialer(
//	    wsdial.WithTimeout(10*time.Second),
//	    wsdial.WithHeader("X-Api-Key", apiKey),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conn, err := dialer.Dial(ctx, "wss://example.com/feed?symbols=all")
//	if err != nil {
//	    log.Fatal("Dial failed:", err)
//	}
//	defer conn.Close()
//
// Failures are classified by sentinel, so retry policy can branch on the
// error kind:
//
//	conn, err := wsdial.Dial(ctx, uri)
//	switch {
//	case errors.Is(err, wsdial.ErrBadURI):
//	    // fix the configuration
//	case errors.Is(err, wsdial.ErrConnectionFailed):
//	    // possibly transient, retry if appropriate
//	case errors.Is(err, wsdial.ErrBadHandshake):
//	    // the server is not speaking WebSocket
//	}
//
// For more details on the WebSocket protocol, refer to the RFC 6455
// specification: https://tools.ietf.org/html/rfc6455
//
// [WebSocket]: https://en.wikipedia.org/wiki/WebSocket
// [RFC 6455]: https://tools.ietf.org/html/rfc6455
package wsdial
