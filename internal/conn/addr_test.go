package conn

import "testing"

func TestClassifyAddrTCP(t *testing.T) {
	network, target := classifyAddr("127.0.0.1:7333")
	if network != "tcp" || target != "127.0.0.1:7333" {
		t.Fatalf("got (%q, %q)", network, target)
	}
}

func TestClassifyAddrUnixPath(t *testing.T) {
	network, target := classifyAddr("/tmp/gdbstub.sock")
	if network != "unix" || target != "/tmp/gdbstub.sock" {
		t.Fatalf("got (%q, %q)", network, target)
	}
}

func TestClassifyAddrHostname(t *testing.T) {
	// A non-dotted-quad host:port (e.g. a hostname) is not TCP per spec.md
	// §4.2's "host must be a dotted-quad" rule; it falls through to the
	// local-socket form instead of being misclassified.
	network, _ := classifyAddr("localhost:7333")
	if network != "unix" {
		t.Fatalf("expected unix classification for non-dotted-quad host, got %q", network)
	}
}

func TestIsDottedQuad(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":       true,
		"0.0.0.0":         true,
		"255.255.255.255": true,
		"localhost":       false,
		"::1":             false,
		"":                false,
	}
	for host, want := range cases {
		if got := isDottedQuad(host); got != want {
			t.Errorf("isDottedQuad(%q) = %v, want %v", host, got, want)
		}
	}
}
