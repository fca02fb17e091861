package utils

import "testing"

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	s, err := MarshalToJSON(payload{Name: "acme", Count: 3})
	if err != nil {
		t.Fatalf("MarshalToJSON: %v", err)
	}

	var out payload
	if err := UnmarshalFromJSON([]byte(s), &out); err != nil {
		t.Fatalf("UnmarshalFromJSON: %v", err)
	}
	if out.Name != "acme" || out.Count != 3 {
		t.Fatalf("round trip lost data: %+v", out)
	}

	if err := UnmarshalFromJSON([]byte("{"), &out); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}
