package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"

	"github.com/janelia-flyem/dcmseq/dcm"
)

func TestStaticSignIn(t *testing.T) {
	a := New(Static("abc"))
	if _, ok := a.AccessToken(); ok {
		t.Fatalf("New authenticator should be signed out\n")
	}
	var changes []bool
	a.OnSignedInChanged(func(signedIn bool) {
		changes = append(changes, signedIn)
	})
	if err := a.SignIn(context.Background()); err != nil {
		t.Fatalf("Error signing in: %v\n", err)
	}
	token, ok := a.AccessToken()
	if !ok || token != "abc" {
		t.Errorf("Expected token abc, got %q (%t)\n", token, ok)
	}
	if !a.IsSignedIn() {
		t.Errorf("Expected to be signed in\n")
	}
	a.SignOut()
	if a.IsSignedIn() {
		t.Errorf("Expected to be signed out\n")
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("Bad signed-in notifications: %v\n", changes)
	}
	if _, err := a.Token(); !errors.Is(err, dcm.ErrNotSignedIn) {
		t.Errorf("Expected not signed in from token source, got %v\n", err)
	}
}

func TestFailedSignIn(t *testing.T) {
	a := New(Static(""))
	var notified bool
	a.OnSignedInChanged(func(signedIn bool) {
		notified = true
		if signedIn {
			t.Errorf("Failed sign-in reported as signed in\n")
		}
	})
	if err := a.SignIn(context.Background()); err == nil {
		t.Fatalf("Expected error signing in with empty token\n")
	}
	if !notified {
		t.Errorf("Listeners not told of failed sign-in\n")
	}
}

func TestExpiredToken(t *testing.T) {
	a := New(func(ctx context.Context) (oauth2.TokenSource, error) {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Minute)}), nil
	})
	a.SignIn(context.Background())
	if _, ok := a.AccessToken(); ok {
		t.Errorf("Expired token should not be returned\n")
	}
}

func TestSignedJWT(t *testing.T) {
	secret := []byte("my secret")
	a := New(SignedJWT(secret, "viewer@example.org", time.Hour))
	if err := a.SignIn(context.Background()); err != nil {
		t.Fatalf("Error signing in: %v\n", err)
	}
	tokenString, ok := a.AccessToken()
	if !ok {
		t.Fatalf("No token after JWT sign-in\n")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			t.Fatalf("Bad signing method %v\n", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		t.Fatalf("Error parsing JWT: %v\n", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		t.Fatalf("Bad JWT claims\n")
	}
	if claims["user"] != "viewer@example.org" {
		t.Errorf("Bad user claim: %v\n", claims["user"])
	}

	if err := New(SignedJWT(nil, "x", time.Hour)).SignIn(context.Background()); err == nil {
		t.Errorf("Expected error signing JWT without secret\n")
	}
}

func TestServiceAccountFileMissing(t *testing.T) {
	a := New(ServiceAccountFile("/nonexistent/key.json"))
	if err := a.SignIn(context.Background()); err == nil {
		t.Errorf("Expected error with missing service account file\n")
	}
}
