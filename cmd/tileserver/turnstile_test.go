// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifyDisabled(t *testing.T) {
	v := NewVerifier("")
	if err := v.Verify(context.Background(), "", "1.2.3.4"); err != nil {
		t.Errorf("verification without a secret should pass: %v", err)
	}
}

func TestVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("secret") != "s3cret" {
			t.Errorf("got secret %q", r.Form.Get("secret"))
		}
		ok := r.Form.Get("response") == "good-token"
		fmt.Fprintf(w, `{"success": %v}`, ok)
	}))
	defer server.Close()

	v := NewVerifier("s3cret")
	v.endpoint = server.URL

	if err := v.Verify(context.Background(), "good-token", "1.2.3.4"); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}

	err := v.Verify(context.Background(), "bad-token", "1.2.3.4")
	var ae *apiError
	if !errors.As(err, &ae) || ae.Kind != KindSecurityFailed {
		t.Errorf("got %v, want %s", err, KindSecurityFailed)
	}

	if err := v.Verify(context.Background(), "", "1.2.3.4"); err == nil {
		t.Error("empty token should be rejected when a secret is set")
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	v := NewVerifier("s3cret")
	v.endpoint = "http://127.0.0.1:1" // nothing listens here

	err := v.Verify(context.Background(), "token", "1.2.3.4")
	var ae *apiError
	if !errors.As(err, &ae) || ae.Kind != KindSecurityFailed {
		t.Errorf("unreachable verifier should reject, got %v", err)
	}
}
