/*
	Package auth holds the bearer credential used for DICOMweb requests and notifies
	listeners when the signed-in state changes.  Tokens come from any oauth2.TokenSource:
	Google application default credentials, a service account key file, a fixed token, or
	a locally signed JWT.
*/
package auth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/janelia-flyem/dcmseq/dcm"
)

// HealthcareScope is the OAuth2 scope needed for the Cloud Healthcare API.
const HealthcareScope = "https://www.googleapis.com/auth/cloud-healthcare"

// SourceFunc creates a token source when a sign-in is requested.
type SourceFunc func(ctx context.Context) (oauth2.TokenSource, error)

// Authenticator caches the current access token.  It is safe for concurrent use and
// implements oauth2.TokenSource so generated API clients can share it.
type Authenticator struct {
	newSource SourceFunc

	mu        sync.Mutex
	source    oauth2.TokenSource
	token     *oauth2.Token
	listeners []func(signedIn bool)
}

// New returns a signed-out Authenticator that obtains tokens from fn on SignIn.
func New(fn SourceFunc) *Authenticator {
	return &Authenticator{newSource: fn}
}

// AccessToken returns the current token if signed in and the token has not expired.
func (a *Authenticator) AccessToken() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil || !a.token.Valid() {
		return "", false
	}
	return a.token.AccessToken, true
}

// IsSignedIn returns true if a valid token is held.
func (a *Authenticator) IsSignedIn() bool {
	_, ok := a.AccessToken()
	return ok
}

// SignIn obtains a fresh token.  Listeners are told of the signed-in state whether
// or not the sign-in succeeds.
func (a *Authenticator) SignIn(ctx context.Context) error {
	src, err := a.newSource(ctx)
	if err != nil {
		a.setToken(nil, nil)
		return fmt.Errorf("unable to create token source: %v", err)
	}
	tok, err := src.Token()
	if err != nil {
		a.setToken(nil, nil)
		return fmt.Errorf("unable to obtain access token: %v", err)
	}
	a.setToken(oauth2.ReuseTokenSource(tok, src), tok)
	dcm.Debugf("Signed in, token expires %s\n", expiry(tok))
	return nil
}

// SignOut drops the held token.
func (a *Authenticator) SignOut() {
	a.setToken(nil, nil)
}

// OnSignedInChanged registers a callback for signed-in state changes.
func (a *Authenticator) OnSignedInChanged(fn func(signedIn bool)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Token implements oauth2.TokenSource, refreshing through the underlying source when
// the held token expires.
func (a *Authenticator) Token() (*oauth2.Token, error) {
	a.mu.Lock()
	src := a.source
	a.mu.Unlock()
	if src == nil {
		return nil, dcm.ErrNotSignedIn
	}
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
	return tok, nil
}

func (a *Authenticator) setToken(src oauth2.TokenSource, tok *oauth2.Token) {
	a.mu.Lock()
	wasSignedIn := a.token != nil && a.token.Valid()
	a.source = src
	a.token = tok
	signedIn := tok != nil && tok.Valid()
	listeners := make([]func(bool), len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	if wasSignedIn != signedIn || !signedIn {
		for _, fn := range listeners {
			fn(signedIn)
		}
	}
}

func expiry(tok *oauth2.Token) string {
	if tok.Expiry.IsZero() {
		return "never"
	}
	return tok.Expiry.Format(time.RFC3339)
}

// GoogleDefault uses application default credentials with the healthcare scope.
func GoogleDefault() SourceFunc {
	return func(ctx context.Context) (oauth2.TokenSource, error) {
		return google.DefaultTokenSource(ctx, HealthcareScope)
	}
}

// ServiceAccountFile uses a JSON service account key downloaded from the cloud console.
func ServiceAccountFile(path string) SourceFunc {
	return func(ctx context.Context) (oauth2.TokenSource, error) {
		jwtdata, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read service account file %q: %v", path, err)
		}
		conf, err := google.JWTConfigFromJSON(jwtdata, HealthcareScope)
		if err != nil {
			return nil, fmt.Errorf("bad service account file %q: %v", path, err)
		}
		return conf.TokenSource(ctx), nil
	}
}

// Static uses a fixed bearer token that never expires.
func Static(token string) SourceFunc {
	return func(ctx context.Context) (oauth2.TokenSource, error) {
		if token == "" {
			return nil, dcm.ErrNotSignedIn
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}), nil
	}
}

// SignedJWT issues HS256 tokens naming the given user, valid for ttl, as accepted by
// a dcmseq server configured with the same secret.
func SignedJWT(secret []byte, user string, ttl time.Duration) SourceFunc {
	return func(ctx context.Context) (oauth2.TokenSource, error) {
		if len(secret) == 0 {
			return nil, fmt.Errorf("no secret key given for JWT signing")
		}
		return &jwtSource{secret: secret, user: user, ttl: ttl}, nil
	}
}

type jwtSource struct {
	secret []byte
	user   string
	ttl    time.Duration
}

func (s *jwtSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user": s.user,
		"iat":  now.Unix(),
	}
	var exp time.Time
	if s.ttl > 0 {
		exp = now.Add(s.ttl)
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("error with JWT signing: %v", err)
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: exp}, nil
}
