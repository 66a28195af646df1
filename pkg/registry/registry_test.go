package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotTagRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tag := SnapshotTag(at)
	assert.Equal(t, "20260314-092653", tag)

	parsed, err := ParseSnapshotTag(tag)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(at))
}

func TestSnapshotTagNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	at := time.Date(2026, 3, 14, 10, 26, 53, 0, loc)
	assert.Equal(t, "20260314-092653", SnapshotTag(at))
}

func TestParseSnapshotTagRejectsAliases(t *testing.T) {
	tests := []string{"latest", "", "2026-03-14", "notadate-092653"}
	for _, tag := range tests {
		t.Run(tag, func(t *testing.T) {
			_, err := ParseSnapshotTag(tag)
			assert.Error(t, err)
		})
	}
}

func TestRepo(t *testing.T) {
	r := New(nil, "europe-west1-docker.pkg.dev/acme/sandboxes")
	assert.Equal(t,
		"europe-west1-docker.pkg.dev/acme/sandboxes/p-123",
		r.Repo("p-123"))
}

func TestScanStream(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		wantErr string
	}{
		{
			name:   "clean progress stream",
			stream: `{"status":"Pushing"}` + "\n" + `{"status":"Pushed"}` + "\n",
		},
		{
			name:   "empty stream",
			stream: "",
		},
		{
			name:    "in-band error",
			stream:  `{"status":"Pushing"}` + "\n" + `{"error":"unauthorized: access denied"}` + "\n",
			wantErr: "unauthorized: access denied",
		},
		{
			name:    "garbage stream",
			stream:  "not json at all",
			wantErr: "failed to decode progress stream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scanStream(strings.NewReader(tt.stream))
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEncodeAuth(t *testing.T) {
	auth, err := encodeAuth(`{"type":"service_account"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, auth)
	// Base64url, no padding issues expected from the engine helper.
	assert.NotContains(t, auth, " ")
}
