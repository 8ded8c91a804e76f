package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/dcmseq/auth"
	"github.com/janelia-flyem/dcmseq/dcm"
)

// authConfig holds the secret used to validate bearer JWTs on API requests and the
// file of authorized users.  With no secret key, requests are not authenticated.
type authConfig struct {
	AuthFile  string `toml:"auth_file"`
	SecretKey string `toml:"secret_key"`
}

// authorizer validates request JWTs against a user list mapping user to "read",
// "write" or "readwrite".  A "*" user applies to anyone not listed.
type authorizer struct {
	secret []byte
	users  map[string]string
}

func newAuthorizer(c authConfig) (*authorizer, error) {
	if c.SecretKey == "" {
		return nil, nil
	}
	a := &authorizer{secret: []byte(c.SecretKey)}
	if len(c.AuthFile) == 0 {
		dcm.Infof("No authorization file found.  Any user with a valid JWT is authorized.\n")
		return a, nil
	}
	data, err := os.ReadFile(c.AuthFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.users); err != nil {
		return nil, fmt.Errorf("bad authorization file %q: %v", c.AuthFile, err)
	}
	return a, nil
}

// NewToken returns a JWT accepted by a server with this configuration.
func (c Config) NewToken(user string, ttl time.Duration) (string, error) {
	a, err := newAuthorizer(c.Auth)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", fmt.Errorf("no [auth] secret_key in configuration")
	}
	return a.generateJWT(user, ttl)
}

// generateJWT returns a JWT for a user signed with the server secret.
func (a *authorizer) generateJWT(user string, ttl time.Duration) (string, error) {
	src := auth.SignedJWT(a.secret, user, ttl)
	ts, err := src(context.Background())
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// isAuthorized is middleware that validates a JWT and sets the c.Env["user"] field
// to the authenticated user.
func (a *authorizer) isAuthorized(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.ServeHTTP(w, r)
			return
		}
		reqToken := r.Header.Get("Authorization")
		if len(reqToken) == 0 {
			Unauthorized(w, r, "JWT required via Authorization in request header")
			return
		}
		splitToken := strings.Split(reqToken, "Bearer")
		if len(splitToken) != 2 {
			Unauthorized(w, r, "bearer not in proper format")
			return
		}
		reqToken = strings.TrimSpace(splitToken[1])
		if len(reqToken) == 0 {
			Unauthorized(w, r, "requests require JWT authentication")
			return
		}
		token, err := jwt.Parse(reqToken, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("error signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil {
			Unauthorized(w, r, "error parsing JWT: %v", err)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			Unauthorized(w, r, "failed authorization")
			return
		}
		user, ok := claims["user"].(string)
		if !ok {
			Unauthorized(w, r, "user %v is not a simple string", claims["user"])
			return
		}
		if !a.userAuthorized(user, r.Method) {
			Forbidden(w, r, "user %q is not authorized", user)
			return
		}
		if c.Env == nil {
			c.Env = make(map[interface{}]interface{})
		}
		c.Env["user"] = user
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// userAuthorized returns true if the user may make a request with the given method.
func (a *authorizer) userAuthorized(user string, httpMethod string) bool {
	if len(a.users) == 0 {
		return true
	}
	method := strings.ToLower(httpMethod)
	readReq := method == "get" || method == "head"
	priv, found := a.users[user]
	if !found {
		priv, found = a.users["*"]
		if !found {
			return false
		}
	}
	switch priv {
	case "readwrite":
		return true
	case "read":
		return readReq
	case "write":
		return !readReq
	default:
		dcm.Errorf("Authorized user %q has unparsable privilege %q\n", user, priv)
		return false
	}
}

// newCredentials returns the authenticator for outgoing DICOMweb requests, or nil
// if requests go out without a bearer token.
func newCredentials(c dicomwebConfig) *auth.Authenticator {
	switch c.Credentials {
	case "google":
		return auth.New(auth.GoogleDefault())
	case "service_account":
		return auth.New(auth.ServiceAccountFile(c.KeyFile))
	case "static":
		return auth.New(auth.Static(c.Token))
	case "jwt":
		return auth.New(auth.SignedJWT([]byte(c.JWTSecret), c.JWTUser, time.Hour))
	default:
		return nil
	}
}
