package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementKeepsUnknownFields(t *testing.T) {
	raw := `{"id":"rect-1","version":3,"type":"rectangle","x":10.5,"groupIds":["g1"]}`

	var el Element
	require.NoError(t, json.Unmarshal([]byte(raw), &el))
	assert.Equal(t, "rect-1", el.ID)
	assert.EqualValues(t, 3, el.Version)

	out, err := json.Marshal(el)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestElementWithoutIDRejected(t *testing.T) {
	var el Element
	err := json.Unmarshal([]byte(`{"version":1}`), &el)
	assert.ErrorIs(t, err, ErrElementNoID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	raw := `{
		"elements":[{"id":"a","version":1,"type":"line"},{"id":"b","version":7,"type":"text","text":"hi"}],
		"appState":{"viewBackgroundColor":"#ffffff","currentItemStrokeColor":"#1e1e1e",
			"currentItemStrokeWidth":2,"currentItemOpacity":100,"scrollX":-12,"scrollY":40,"zoom":{"value":1.25}}
	}`
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	require.Len(t, snap.Elements, 2)
	assert.Equal(t, 1.25, snap.AppState.Zoom.Value)
	assert.False(t, snap.IsEmpty())

	out, err := json.Marshal(snap)
	require.NoError(t, err)

	var back Snapshot
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, snap.AppState, back.AppState)
	for i := range snap.Elements {
		assert.JSONEq(t, string(snap.Elements[i].Raw()), string(back.Elements[i].Raw()))
	}
}

func TestNewUserValidation(t *testing.T) {
	_, err := NewUser("", "ann", RoleStudent)
	assert.ErrorIs(t, err, ErrUserIDEmpty)

	_, err = NewUser("u1", "", RoleStudent)
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	u, err := NewUser("u1", "ann", "")
	require.NoError(t, err)
	assert.Equal(t, RoleStudent, u.Role)
	assert.Equal(t, Participant{UserID: "u1", UserName: "ann", Role: RoleStudent}, u.Participant())
}
