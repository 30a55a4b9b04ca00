package ident

import (
	"encoding/json"
	"testing"
)

func TestDeriveIsStable(t *testing.T) {
	parent := New()
	a, b := Derive(parent, "cc_0_7"), Derive(parent, "cc_0_7")
	if a != b {
		t.Fatal("same parent and name gave different IDs")
	}
	if Derive(parent, "cc_0_8") == a || Derive(New(), "cc_0_7") == a {
		t.Fatal("different inputs gave the same ID")
	}
}

func TestTextRoundTrip(t *testing.T) {
	id := New()
	data, err := json.Marshal(map[ID]ID{id: id})
	if err != nil {
		t.Fatal(err)
	}
	var back map[ID]ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back[id] != id {
		t.Fatalf("round trip lost the id: %s", data)
	}
}

func TestCloneMode(t *testing.T) {
	id := New()
	tests := []struct {
		mode CloneMode
		in   ID
		same bool
	}{
		{CloneSnapshot, id, true},
		{CloneNewIdentity, id, false},
		{CloneNewIdentity, Nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			if got := tt.mode.Apply(tt.in); (got == tt.in) != tt.same {
				t.Errorf("Apply(%s) = %s", tt.in.Short(), got.Short())
			}
		})
	}
}
