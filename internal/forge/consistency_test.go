package forge

import "testing"

func TestReconcile(t *testing.T) {
	cases := []struct {
		name    string
		in      Snapshot
		want    Snapshot
		repairs int
	}{
		{
			name: "consistent live display",
			in:   Snapshot{SecretPresent: true, Displayed: true, CountdownActive: true},
			want: Snapshot{SecretPresent: true, Displayed: true, CountdownActive: true},
		},
		{
			name:    "display without secret",
			in:      Snapshot{Displayed: true},
			want:    Snapshot{},
			repairs: 1,
		},
		{
			name:    "countdown and display without secret",
			in:      Snapshot{Displayed: true, CountdownActive: true},
			want:    Snapshot{},
			repairs: 2,
		},
		{
			name: "secured display is left alone",
			in:   Snapshot{Displayed: true, Secured: true},
			want: Snapshot{Displayed: true, Secured: true},
		},
	}
	for _, tc := range cases {
		got, repairs := Reconcile(tc.in)
		if got != tc.want || len(repairs) != tc.repairs {
			t.Fatalf("%s: got %+v with %v", tc.name, got, repairs)
		}
	}
}
