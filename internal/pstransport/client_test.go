package pstransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcus/pocketsync/internal/pserrors"
	"github.com/marcus/pocketsync/internal/pswire"
)

func TestSendChangesRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PocketSync-Project-Id") != "proj1" {
			t.Errorf("missing project header")
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		var cs pswire.ChangeSet
		if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(pswire.Ack{ServerAssignedIDs: []string{"s1"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "proj1", "tok", "user1", "dev1")
	ack, err := c.SendChanges(context.Background(), pswire.NewChangeSet(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ack.ServerAssignedIDs) != 1 || ack.ServerAssignedIDs[0] != "s1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestSendChangesMapsUnauthorizedToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "proj1", "bad-tok", "user1", "dev1")
	_, err := c.SendChanges(context.Background(), pswire.NewChangeSet(1))
	if !errors.Is(err, pserrors.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestSetUserIDUpdatesSubsequentRequests(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-PocketSync-User-Id")
		json.NewEncoder(w).Encode(pswire.Ack{})
	}))
	defer srv.Close()

	c := New(srv.URL, "proj1", "tok", "anonymous", "dev1")
	if _, err := c.SendChanges(context.Background(), pswire.NewChangeSet(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "anonymous" {
		t.Fatalf("expected initial user id, got %q", gotHeader)
	}

	c.SetUserID("user-42")
	if _, err := c.SendChanges(context.Background(), pswire.NewChangeSet(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "user-42" {
		t.Fatalf("expected updated user id to be sent, got %q", gotHeader)
	}
}

func TestFetchChangesMapsServerErrorToTransportSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "proj1", "tok", "user1", "dev1")
	_, err := c.FetchChanges(context.Background(), 0)
	if !errors.Is(err, pserrors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
