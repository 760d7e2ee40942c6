package chainid

import "testing"

func TestParse(t *testing.T) {
	id, err := Parse("eip155:42793")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Namespace != "eip155" || id.Reference != "42793" {
		t.Fatalf("unexpected parse result: %+v", id)
	}
	if id.String() != "eip155:42793" {
		t.Fatalf("unexpected String(): %s", id.String())
	}

	if _, err := Parse("eip155"); err == nil {
		t.Fatal("expected error for missing reference")
	}
	if _, err := Parse(":42793"); err == nil {
		t.Fatal("expected error for missing namespace")
	}
}

func TestWildcardMatches(t *testing.T) {
	p := Wildcard("eip155")
	if !p.Matches(ChainId{Namespace: "eip155", Reference: "1"}) {
		t.Fatal("wildcard should match any reference in namespace")
	}
	if p.Matches(ChainId{Namespace: "solana", Reference: "1"}) {
		t.Fatal("wildcard must not cross namespaces")
	}
}

func TestExactMatches(t *testing.T) {
	p := Exact(ChainId{Namespace: "eip155", Reference: "42793"})
	if !p.Matches(ChainId{Namespace: "eip155", Reference: "42793"}) {
		t.Fatal("exact should match identical id")
	}
	if p.Matches(ChainId{Namespace: "eip155", Reference: "1"}) {
		t.Fatal("exact must not match a different reference")
	}
}

func TestSetMatches(t *testing.T) {
	p := SetOf("eip155", "1", "8453", "42793")
	for _, ref := range []string{"1", "8453", "42793"} {
		if !p.Matches(ChainId{Namespace: "eip155", Reference: ref}) {
			t.Fatalf("set should match member reference %s", ref)
		}
	}
	if p.Matches(ChainId{Namespace: "eip155", Reference: "137"}) {
		t.Fatal("set must not match a non-member reference")
	}
}

func TestParsePattern(t *testing.T) {
	cases := []struct {
		in   string
		want string
		id   ChainId
		ok   bool
	}{
		{"eip155:*", "eip155:*", ChainId{"eip155", "999"}, true},
		{"eip155:42793", "eip155:42793", ChainId{"eip155", "42793"}, true},
		{"eip155:42793", "eip155:42793", ChainId{"eip155", "1"}, false},
	}
	for _, c := range cases {
		p, err := ParsePattern(c.in)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", c.in, err)
		}
		if got := p.Matches(c.id); got != c.ok {
			t.Errorf("ParsePattern(%q).Matches(%v) = %v, want %v", c.in, c.id, got, c.ok)
		}
	}

	if _, err := ParsePattern("bad"); err == nil {
		t.Fatal("expected error for malformed pattern")
	}
}
