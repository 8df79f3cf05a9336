package recipients

import (
	"strings"
	"testing"
)

func TestFromCSV(t *testing.T) {
	input := "phone,name,city\n+15550001,Alice,Nairobi\n+15550002,Bob,\n+15550003\n"
	got, err := FromCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("parsed %d recipients, want 3", len(got))
	}
	if got[0].Phone != "+15550001" || got[0].Variables["name"] != "Alice" || got[0].Variables["city"] != "Nairobi" {
		t.Fatalf("first recipient mismatch: %+v", got[0])
	}
	if got[1].Variables["city"] != "" {
		t.Fatalf("empty trailing field should stay empty, got %q", got[1].Variables["city"])
	}
	if _, ok := got[2].Variables["name"]; ok {
		t.Fatalf("short row must leave variables unset")
	}
}

func TestFromCSVRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"wrong header":  "msisdn,name\n+15550001,Alice\n",
		"empty phone":   "phone,name\n ,Alice\n",
		"no recipients": "phone,name\n",
		"empty file":    "",
	}
	for name, input := range cases {
		if _, err := FromCSV(strings.NewReader(input)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
