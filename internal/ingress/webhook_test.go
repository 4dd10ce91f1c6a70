package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func TestVerifyGitHubAcceptsValidSignature(t *testing.T) {
	secret := "shh"
	body := []byte(`{"ref":"refs/heads/main"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !verifyGitHub(secret, body, header) {
		t.Fatal("expected valid signature to verify")
	}
	if verifyGitHub(secret, body, "sha256=deadbeef") {
		t.Fatal("expected mismatched signature to fail")
	}
	if verifyGitHub(secret, body, "not-even-prefixed") {
		t.Fatal("expected missing prefix to fail")
	}
}

func TestVerifyGenericRejectsStaleTimestamp(t *testing.T) {
	secret := "shh"
	body := []byte(`{"event":"ping"}`)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if verifyGeneric(secret, body, sig, ts, 300*time.Second) {
		t.Fatal("expected a 10-minute-old timestamp to fail a 300s tolerance check")
	}
}

func TestVerifyGenericAcceptsFreshTimestamp(t *testing.T) {
	secret := "shh"
	body := []byte(`{"event":"ping"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !verifyGeneric(secret, body, sig, ts, 300*time.Second) {
		t.Fatal("expected a fresh timestamp with a correct signature to verify")
	}
}
