package tor

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// nonceLen is the length of a nonce generated by either the controller
	// or the Tor server.
	nonceLen = 32

	// cookieLen is the length of the authentication cookie.
	cookieLen = 32

	// ProtocolInfoVersion is the `protocolinfo` version currently supported
	// by the Tor server.
	ProtocolInfoVersion = 1

	// authSafeCookie is the name of the SAFECOOKIE authentication method.
	authSafeCookie = "SAFECOOKIE"

	// authCookie is the name of the COOKIE authentication method.
	authCookie = "COOKIE"

	// authHashedPassword is the name of the HASHEDPASSWORD
	// authentication method.
	authHashedPassword = "HASHEDPASSWORD"

	// authNull is the name of the NULL authentication method.
	authNull = "NULL"
)

var (
	// serverKey is the key used when computing the HMAC-SHA256 of a
	// message from the server.
	serverKey = []byte("Tor safe cookie authentication " +
		"server-to-controller hash")

	// controllerKey is the key used when computing the HMAC-SHA256 of a
	// message from the controller.
	controllerKey = []byte("Tor safe cookie authentication " +
		"controller-to-server hash")
)

// protocolInfo is the parsed reply to PROTOCOLINFO.
type protocolInfo struct {
	methods    map[string]struct{}
	cookieFile string
	version    string
}

// supportsAuthMethod returns true if Tor advertised method.
func (p *protocolInfo) supportsAuthMethod(method string) bool {
	_, ok := p.methods[method]
	return ok
}

// authenticate picks the strongest method both sides support: a configured
// password, then SAFECOOKIE, then COOKIE, then NULL.
func (c *Controller) authenticate(ctx context.Context) error {
	// The password is only needed for this exchange.
	defer c.closePassword()

	info, err := c.protocolInfo(ctx)
	if err != nil {
		return fmt.Errorf("unable to retrieve protocol info from "+
			"Tor: %w", err)
	}
	c.version = info.version
	log.Debugf("Tor %s offers auth methods %v", info.version,
		newLogClosure(func() string {
			methods := make([]string, 0, len(info.methods))
			for method := range info.methods {
				methods = append(methods, method)
			}

			return strings.Join(methods, ",")
		}))

	hasPassword := c.cfg.Password != nil && !c.cfg.Password.Closed()

	switch {
	case hasPassword && info.supportsAuthMethod(authHashedPassword):
		return c.authenticateViaHashedPassword(ctx)

	case info.supportsAuthMethod(authSafeCookie):
		return c.authenticateViaSafeCookie(ctx, info)

	case info.supportsAuthMethod(authCookie):
		return c.authenticateViaCookie(ctx, info)

	case info.supportsAuthMethod(authNull):
		return c.authenticateVia(ctx, authNull, "AUTHENTICATE")

	case info.supportsAuthMethod(authHashedPassword):
		return &AuthError{
			Method: authHashedPassword,
			Reason: "Tor requires a control port password but " +
				"none was configured",
		}
	}

	return &AuthError{
		Reason: "the Tor server must be configured with NULL, " +
			"COOKIE, SAFECOOKIE or HASHEDPASSWORD authentication",
	}
}

// protocolInfo issues PROTOCOLINFO and parses the methods, cookie path and
// version out of the reply.
func (c *Controller) protocolInfo(ctx context.Context) (*protocolInfo,
	error) {

	cmd := fmt.Sprintf("PROTOCOLINFO %d", ProtocolInfoVersion)
	reply, err := c.SendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}

	info := &protocolInfo{methods: make(map[string]struct{})}
	for _, line := range reply.Lines {
		params := parseTorReply(line.Text)

		switch {
		case strings.HasPrefix(line.Text, "AUTH "):
			for _, method := range strings.Split(params["METHODS"], ",") {
				if method != "" {
					info.methods[method] = struct{}{}
				}
			}
			info.cookieFile = params["COOKIEFILE"]

		case strings.HasPrefix(line.Text, "VERSION "):
			info.version = params["Tor"]
		}
	}

	if len(info.methods) == 0 {
		return nil, errors.New("no auth methods in PROTOCOLINFO reply")
	}

	return info, nil
}

// authenticateVia sends an AUTHENTICATE command and maps rejection to an
// AuthError.
func (c *Controller) authenticateVia(ctx context.Context, method,
	cmd string) error {

	_, err := c.SendCommand(ctx, cmd)
	return authResult(method, err)
}

// authResult converts a reply error from AUTHENTICATE into an AuthError.
func authResult(method string, err error) error {
	var replyErr *ReplyError
	if errors.As(err, &replyErr) {
		return &AuthError{Method: method, Reason: replyErr.Text}
	}
	if err != nil {
		return err
	}

	log.Infof("Authenticated to Tor using %s", method)

	return nil
}

// authenticateViaHashedPassword authenticates with the configured password.
// The password is hex encoded straight out of its secret buffer.
func (c *Controller) authenticateViaHashedPassword(ctx context.Context) error {
	_, err := c.sendSecretCommand(ctx, "AUTHENTICATE ", c.cfg.Password)
	return authResult(authHashedPassword, err)
}

// authenticateViaCookie sends the raw cookie contents as the token.
func (c *Controller) authenticateViaCookie(ctx context.Context,
	info *protocolInfo) error {

	cookie, err := readAuthCookie(info.cookieFile)
	if err != nil {
		return &AuthError{Method: authCookie, Reason: err.Error()}
	}

	cmd := fmt.Sprintf("AUTHENTICATE %x", cookie)
	return c.authenticateVia(ctx, authCookie, cmd)
}

// authenticateViaSafeCookie runs the AUTHCHALLENGE exchange, checking the
// server's proof of cookie knowledge before proving our own.
func (c *Controller) authenticateViaSafeCookie(ctx context.Context,
	info *protocolInfo) error {

	cookie, err := readAuthCookie(info.cookieFile)
	if err != nil {
		return &AuthError{Method: authSafeCookie, Reason: err.Error()}
	}

	clientNonce := make([]byte, nonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("unable to generate client nonce: %w", err)
	}

	cmd := fmt.Sprintf("AUTHCHALLENGE SAFECOOKIE %x", clientNonce)
	reply, err := c.SendCommand(ctx, cmd)
	if err != nil {
		return authResult(authSafeCookie, err)
	}

	params := parseTorReply(reply.String())
	serverHashHex, ok := params["SERVERHASH"]
	if !ok {
		return errors.New("server hash not found in reply")
	}
	serverNonceHex, ok := params["SERVERNONCE"]
	if !ok {
		return errors.New("server nonce not found in reply")
	}

	serverHash, err := hex.DecodeString(serverHashHex)
	if err != nil {
		return fmt.Errorf("unable to decode server hash: %w", err)
	}
	serverNonce, err := hex.DecodeString(serverNonceHex)
	if err != nil {
		return fmt.Errorf("unable to decode server nonce: %w", err)
	}
	if len(serverNonce) != nonceLen {
		return fmt.Errorf("expected server nonce of %d bytes, got %d",
			nonceLen, len(serverNonce))
	}

	// The server proves it knows the cookie before we reveal anything
	// derived from it.
	message := make([]byte, 0, len(cookie)+2*nonceLen)
	message = append(message, cookie...)
	message = append(message, clientNonce...)
	message = append(message, serverNonce...)

	expected := computeHMAC256(serverKey, message)
	if !hmac.Equal(serverHash, expected) {
		return &AuthError{
			Method: authSafeCookie,
			Reason: fmt.Sprintf("expected server hash %x, got %x",
				expected, serverHash),
		}
	}

	clientHash := computeHMAC256(controllerKey, message)
	cmd = fmt.Sprintf("AUTHENTICATE %x", clientHash)

	return c.authenticateVia(ctx, authSafeCookie, cmd)
}

// readAuthCookie reads the authentication cookie Tor advertised.
func readAuthCookie(cookiePath string) ([]byte, error) {
	if cookiePath == "" {
		return nil, errors.New("tor did not advertise a cookie file")
	}

	cookie, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("unable to read cookie file: %w", err)
	}

	if len(cookie) != cookieLen {
		return nil, fmt.Errorf("expected cookie of %d bytes, got %d",
			cookieLen, len(cookie))
	}

	return cookie, nil
}

// computeHMAC256 computes the HMAC-SHA256 of a key and message.
func computeHMAC256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// logClosure is used to provide a closure over expensive logging operations
// so they don't have to be performed when the logging level doesn't warrant
// it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
