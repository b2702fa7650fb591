package wsdial

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBadURI           = errors.New("wsdial: bad uri")
	ErrInvalidArgument  = errors.New("wsdial: invalid argument")
	ErrConnectionFailed = errors.New("wsdial: connection failed")
	ErrBadHandshake     = errors.New("wsdial: bad handshake")
)

// errHeaderTooLarge marks a response header block that hit the configured
// size limit before the terminator arrived.
var errHeaderTooLarge = errors.New("header block too large")

// Defaults applied by Dial when the corresponding option is not supplied.
const (
	DefaultTimeout        = 5 * time.Second
	DefaultFragmentSize   = 4096
	DefaultMaxHeaderBytes = 1024
	DefaultUserAgent      = "wsdial/1.0"
)

// websocketGUID is appended to the challenge key before hashing.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-1.3
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// keyAlphabet is the character set handshake keys are sampled from.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!\"$&/()=[]{}"

// URIError reports a target URI that could not be parsed into a ws or wss
// target. It matches ErrBadURI with errors.Is.
type URIError struct {
	URI    string
	Reason string
}

func (e *URIError) Error() string {
	return fmt.Sprintf("wsdial: bad uri %q: %s", e.URI, e.Reason)
}

func (e *URIError) Is(target error) bool {
	return target == ErrBadURI
}

// ConnError reports a transport-level failure while connecting to the
// target or exchanging handshake bytes with it. It matches
// ErrConnectionFailed with errors.Is and unwraps to the transport cause.
type ConnError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("wsdial: connection failed to %s: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *ConnError) Is(target error) bool {
	return target == ErrConnectionFailed
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// HandshakeError reports a server response that failed validation. It
// matches ErrBadHandshake with errors.Is. Response holds the raw bytes
// received, which may be partial when the server closed early or the
// header block hit the configured limit.
type HandshakeError struct {
	Addr     string
	Reason   string
	Response []byte
}

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("wsdial: bad handshake from %s: %s", e.Addr, e.Reason)
	if len(e.Response) > 0 {
		msg += "\nresponse:\n" + string(e.Response)
	}
	return msg
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrBadHandshake
}

// Scheme identifies the transport requested by a target URI.
type Scheme string

const (
	SchemeWS  Scheme = "ws"  // plain TCP
	SchemeWSS Scheme = "wss" // TLS
)

// Target describes a parsed WebSocket endpoint.
type Target struct {
	Scheme   Scheme
	Host     string
	Port     int
	User     string
	Pass     string
	Path     string
	Query    string
	Fragment string
}

// Addr returns the dialable host:port address of the target.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// RequestPath returns the request-target used in the handshake request
// line: the path followed by the query and fragment when present.
func (t Target) RequestPath() string {
	path := t.Path
	if t.Query != "" {
		path += "?" + t.Query
	}
	if t.Fragment != "" {
		path += "#" + t.Fragment
	}
	return path
}

// ParseURI parses a ws:// or wss:// URI into a Target. The scheme match
// is exact, so uppercase variants are rejected. The port defaults to 443
// for wss and 80 for ws, and the path defaults to "/".
func ParseURI(uri string) (Target, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return Target{}, &URIError{URI: uri, Reason: "missing scheme"}
	}
	if scheme != string(SchemeWS) && scheme != string(SchemeWSS) {
		return Target{}, &URIError{URI: uri, Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Target{}, &URIError{URI: uri, Reason: err.Error()}
	}
	if u.Hostname() == "" {
		return Target{}, &URIError{URI: uri, Reason: "missing host"}
	}

	t := Target{
		Scheme:   Scheme(scheme),
		Host:     u.Hostname(),
		Query:    u.RawQuery,
		Fragment: u.EscapedFragment(),
	}

	if port := u.Port(); port != "" {
		t.Port, err = strconv.Atoi(port)
		if err != nil {
			return Target{}, &URIError{URI: uri, Reason: fmt.Sprintf("invalid port %q", port)}
		}
	} else if t.Scheme == SchemeWSS {
		t.Port = 443
	} else {
		t.Port = 80
	}

	if u.User != nil {
		t.User = u.User.Username()
		t.Pass, _ = u.User.Password()
	}

	t.Path = u.EscapedPath()
	if t.Path == "" {
		t.Path = "/"
	}

	return t, nil
}

// DialOption represents an option for the Dial function.
type DialOption func(*dialOptions)

// dialOptions stores the resolved configuration for a Dialer.
type dialOptions struct {
	timeout        time.Duration
	fragmentSize   int
	tlsConfig      *tls.Config
	origin         string
	headers        []headerField
	maxHeaderBytes int
	logger         *zap.Logger
}

// apply applies the options to the dialOptions.
func (opts *dialOptions) apply(options []DialOption) {
	for _, option := range options {
		if option != nil {
			option(opts)
		}
	}
}

func (opts *dialOptions) validate() error {
	if opts.timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidArgument, opts.timeout)
	}
	if opts.fragmentSize <= 0 {
		return fmt.Errorf("%w: fragment size must be positive, got %d", ErrInvalidArgument, opts.fragmentSize)
	}
	if opts.maxHeaderBytes <= 0 {
		return fmt.Errorf("%w: max header bytes must be positive, got %d", ErrInvalidArgument, opts.maxHeaderBytes)
	}
	return nil
}

// WithTimeout sets the connect timeout. The same duration is reapplied as
// the deadline for every read and write on the established connection.
// Zero disables both. The default is DefaultTimeout.
func WithTimeout(d time.Duration) DialOption {
	return func(opts *dialOptions) {
		opts.timeout = d
	}
}

// WithFragmentSize sets the fragment size hint carried by the returned
// Conn for the framing layer. The handshake itself does not use it. The
// default is DefaultFragmentSize.
func WithFragmentSize(n int) DialOption {
	return func(opts *dialOptions) {
		opts.fragmentSize = n
	}
}

// WithTLSConfig sets the TLS configuration used for wss targets. The
// config is cloned before use, and ServerName defaults to the target host
// when unset. Supplying a TLS config for a ws target is an error.
func WithTLSConfig(config *tls.Config) DialOption {
	return func(opts *dialOptions) {
		opts.tlsConfig = config
	}
}

// WithHeader adds a handshake header override. The name is matched
// case-insensitively against already-resolved headers: an existing header
// keeps its spelling and has its value replaced, a new one is appended
// after the defaults. Overrides apply in call order, after WithOrigin.
func WithHeader(name, value string) DialOption {
	return func(opts *dialOptions) {
		opts.headers = append(opts.headers, headerField{Name: name, Value: value})
	}
}

// WithOrigin sets an Origin header on the handshake request.
//
// Deprecated: set the header with WithHeader("Origin", origin) instead.
func WithOrigin(origin string) DialOption {
	return func(opts *dialOptions) {
		opts.origin = origin
	}
}

// WithMaxHeaderBytes bounds how many response bytes Dial reads while
// looking for the end of the server's handshake header block. The default
// is DefaultMaxHeaderBytes.
func WithMaxHeaderBytes(n int) DialOption {
	return func(opts *dialOptions) {
		opts.maxHeaderBytes = n
	}
}

// WithLogger sets the logger used to report handshake progress at debug
// level. The default logger discards everything.
func WithLogger(logger *zap.Logger) DialOption {
	return func(opts *dialOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// Dialer performs client-side WebSocket opening handshakes with a fixed
// configuration. A Dialer is immutable after construction and safe for
// concurrent use; every Dial call owns its own socket and handshake
// state. The zero value dials with the default configuration and no
// timeout; use NewDialer to set options.
type Dialer struct {
	opts dialOptions
}

// NewDialer resolves the supplied options over the defaults. Invalid
// option values are reported as ErrInvalidArgument before any connection
// is attempted.
func NewDialer(options ...DialOption) (*Dialer, error) {
	opts := dialOptions{
		timeout:        DefaultTimeout,
		fragmentSize:   DefaultFragmentSize,
		maxHeaderBytes: DefaultMaxHeaderBytes,
		logger:         zap.NewNop(),
	}
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Dialer{opts: opts}, nil
}

// resolved returns the dial options with nil or non-positive fields
// replaced by their defaults. A zero-value Dialer resolves to the default
// configuration with the timeout left disabled.
func (d *Dialer) resolved() dialOptions {
	opts := d.opts
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.fragmentSize <= 0 {
		opts.fragmentSize = DefaultFragmentSize
	}
	if opts.maxHeaderBytes <= 0 {
		opts.maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return opts
}

// Dial establishes a WebSocket client connection to the given ws or wss
// URI. It is shorthand for NewDialer followed by Dialer.Dial.
func Dial(ctx context.Context, uri string, options ...DialOption) (*Conn, error) {
	d, err := NewDialer(options...)
	if err != nil {
		return nil, err
	}
	return d.Dial(ctx, uri)
}

// Dial connects to the target described by uri, writes the HTTP/1.1
// Upgrade request and validates the Sec-WebSocket-Accept response. Only
// that header is checked; the response status line is not inspected. On
// success the returned Conn is positioned immediately after the response
// header block, ready for the framing layer. On failure the socket is
// closed before the error is returned.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func (d *Dialer) Dial(ctx context.Context, uri string) (*Conn, error) {
	opts := d.resolved()

	t, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if t.Scheme == SchemeWS && opts.tlsConfig != nil {
		return nil, fmt.Errorf("%w: tls config supplied for a ws target", ErrInvalidArgument)
	}

	opts.logger.Debug("dialing websocket target",
		zap.String("addr", t.Addr()),
		zap.String("scheme", string(t.Scheme)),
	)

	// Establish the network connection
	netConn, err := d.open(ctx, t)
	if err != nil {
		return nil, err
	}

	opts.logger.Debug("connection established",
		zap.String("addr", t.Addr()),
	)

	conn := &Conn{
		conn:         netConn,
		target:       t,
		fragmentSize: opts.fragmentSize,
	}
	conn.timeout.Store(int64(opts.timeout))

	// Build and send the request
	key := GenerateKey()
	request := d.buildRequest(t, key)
	if _, err := conn.Write([]byte(request)); err != nil {
		conn.Close()
		return nil, &ConnError{Host: t.Host, Port: t.Port, Err: err}
	}

	// Read the response header block
	raw, err := readHeaderBlock(conn, opts.maxHeaderBytes)
	if err != nil {
		conn.Close()
		switch {
		case errors.Is(err, errHeaderTooLarge):
			return nil, &HandshakeError{
				Addr:     t.Addr(),
				Reason:   fmt.Sprintf("response header block exceeds %d bytes", opts.maxHeaderBytes),
				Response: raw,
			}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, &HandshakeError{
				Addr:     t.Addr(),
				Reason:   "unterminated response header block",
				Response: raw,
			}
		default:
			return nil, &ConnError{Host: t.Host, Port: t.Port, Err: err}
		}
	}

	// Verify the accept key
	accept, ok := acceptFromResponse(raw)
	if !ok {
		conn.Close()
		return nil, &HandshakeError{
			Addr:     t.Addr(),
			Reason:   "missing Sec-WebSocket-Accept header",
			Response: raw,
		}
	}
	if accept != AcceptKey(key) {
		conn.Close()
		return nil, &HandshakeError{
			Addr:     t.Addr(),
			Reason:   "bad upgrade response",
			Response: raw,
		}
	}

	opts.logger.Debug("websocket handshake complete",
		zap.String("addr", t.Addr()),
		zap.String("path", t.RequestPath()),
	)

	return conn, nil
}

// open establishes the transport connection for the target: plain TCP for
// ws, TLS for wss.
func (d *Dialer) open(ctx context.Context, t Target) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.opts.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, &ConnError{Host: t.Host, Port: t.Port, Err: err}
	}
	if t.Scheme != SchemeWSS {
		return conn, nil
	}

	// Perform the TLS handshake
	config := d.opts.tlsConfig.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = t.Host
	}
	if len(config.NextProtos) == 0 {
		config.NextProtos = []string{"http/1.1"}
	}

	tlsConn := tls.Client(conn, config)
	handshakeCtx := ctx
	if d.opts.timeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, d.opts.timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		conn.Close()
		return nil, &ConnError{Host: t.Host, Port: t.Port, Err: err}
	}
	return tlsConn, nil
}

// headerField is a single name/value pair. Handshake headers keep their
// resolution order so the serialized request is deterministic.
type headerField struct {
	Name  string
	Value string
}

// requiredHeaders builds the protocol-required header set for the target
// in its fixed order, including Authorization when the target carries
// userinfo.
func requiredHeaders(t Target, key string) []headerField {
	headers := []headerField{
		{Name: "Host", Value: t.Addr()},
		{Name: "User-Agent", Value: DefaultUserAgent},
		{Name: "Connection", Value: "Upgrade"},
		{Name: "Upgrade", Value: "websocket"},
		{Name: "Sec-WebSocket-Key", Value: key},
		{Name: "Sec-WebSocket-Version", Value: "13"},
	}
	if t.User != "" || t.Pass != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(t.User + ":" + t.Pass))
		headers = append(headers, headerField{Name: "Authorization", Value: "Basic " + credentials})
	}
	return headers
}

// setHeader replaces the value of an existing header, matching the name
// case-insensitively, or appends a new one.
func setHeader(headers []headerField, name, value string) []headerField {
	for i := range headers {
		if strings.EqualFold(headers[i].Name, name) {
			headers[i].Value = value
			return headers
		}
	}
	return append(headers, headerField{Name: name, Value: value})
}

// buildRequest serializes the handshake request for the target. Headers
// resolve in three stages: the protocol-required set, then the deprecated
// origin option, then caller overrides in call order. Later stages win on
// name collision.
func (d *Dialer) buildRequest(t Target, key string) string {
	headers := requiredHeaders(t, key)
	if d.opts.origin != "" {
		headers = setHeader(headers, "Origin", d.opts.origin)
	}
	for _, h := range d.opts.headers {
		headers = setHeader(headers, h.Name, h.Value)
	}

	var b strings.Builder
	b.Grow(512)
	b.WriteString("GET " + t.RequestPath() + " HTTP/1.1\r\n")
	for _, h := range headers {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// readHeaderBlock reads one byte at a time until the buffer ends with the
// CRLF CRLF terminator, so the stream stays positioned exactly after the
// response header block. It returns whatever was read along with
// errHeaderTooLarge when limit bytes arrive without the terminator.
func readHeaderBlock(r io.Reader, limit int) ([]byte, error) {
	terminator := []byte("\r\n\r\n")
	block := make([]byte, 0, limit)
	var b [1]byte
	for {
		if len(block) >= limit {
			return block, errHeaderTooLarge
		}
		n, err := r.Read(b[:])
		if n > 0 {
			block = append(block, b[0])
			if bytes.HasSuffix(block, terminator) {
				return block, nil
			}
		}
		if err != nil {
			return block, err
		}
	}
}

// acceptFromResponse scans the raw response block line by line for a
// Sec-WebSocket-Accept header, matching the name case-insensitively, and
// returns its trimmed value.
func acceptFromResponse(raw []byte) (string, bool) {
	for _, line := range strings.Split(string(raw), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Accept") {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

// Conn is an established WebSocket connection: the raw stream positioned
// immediately after the server's handshake response. Framing is the
// caller's concern; Conn manages per-operation deadlines and carries the
// target metadata from dial time.
type Conn struct {
	conn         net.Conn
	target       Target
	fragmentSize int
	timeout      atomic.Int64 // per-operation deadline, nanoseconds
}

var _ net.Conn = (*Conn)(nil)

// Read reads from the underlying connection, arming the configured read
// deadline first when a timeout is set.
func (c *Conn) Read(p []byte) (int, error) {
	if d := c.Timeout(); d > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return 0, err
		}
	}
	return c.conn.Read(p)
}

// Write writes to the underlying connection, arming the configured write
// deadline first when a timeout is set.
func (c *Conn) Write(p []byte) (int, error) {
	if d := c.Timeout(); d > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

// Close closes the underlying connection. It does not perform the
// WebSocket closing handshake; that belongs to the framing layer.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Timeout returns the per-operation timeout applied by Read and Write.
func (c *Conn) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetTimeout changes the per-operation timeout. Zero disables the
// automatic deadlines so the caller can manage them directly with
// SetDeadline, SetReadDeadline and SetWriteDeadline.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

// Target returns the parsed target this connection was dialed for.
func (c *Conn) Target() Target {
	return c.target
}

// FragmentSize returns the fragment size hint supplied at dial time for
// the framing layer.
func (c *Conn) FragmentSize() int {
	return c.fragmentSize
}

// NetConn returns the underlying network connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines on the underlying
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// GenerateKey returns a fresh Sec-WebSocket-Key value: 16 characters
// sampled from a fixed alphabet of letters, digits and symbols, then
// base64-encoded.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func GenerateKey() string {
	var key [16]byte
	for i := range key {
		key[i] = keyAlphabet[rand.Intn(len(keyAlphabet))]
	}
	return base64.StdEncoding.EncodeToString(key[:])
}

// AcceptKey computes the Sec-WebSocket-Accept value the server is
// expected to answer with for a challenge key.
//
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2
func AcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
