package netutil

import "testing"

func TestDialAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"origin:9443", "origin:9443", false},
		{"https://origin.example:9443/", "origin.example:9443", false},
		{"https://origin.example/", "origin.example:443", false},
		{"origin.example", "origin.example:34433", false},
		{"[::1]:4433", "[::1]:4433", false},
		{"", "", true},
		{"origin:0", "", true},
		{"https:///nohost", "", true},
	}
	for _, tc := range cases {
		got, err := DialAddress(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("DialAddress(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("DialAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTargetAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"8080", "127.0.0.1:8080", false},
		{":8080", "127.0.0.1:8080", false},
		{"10.0.0.2:80", "10.0.0.2:80", false},
		{"70000", "", true},
		{"nohostport", "", true},
	}
	for _, tc := range cases {
		got, err := TargetAddress(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("TargetAddress(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("TargetAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
