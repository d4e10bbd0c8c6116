package strongroom

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestIDRoundTrip(t *testing.T) {
	chainID, err := NewChainID()
	if err != nil {
		t.Fatalf("NewChainID failed: %v", err)
	}
	encoded := chainID.String()
	if len(encoded) != 32 {
		t.Fatalf("encoded chain ID is %d characters, want 32", len(encoded))
	}
	decoded, err := DecodeChainID(encoded)
	if err != nil {
		t.Fatalf("DecodeChainID failed: %v", err)
	}
	if decoded != chainID {
		t.Fatalf("round trip changed the identifier: %s -> %s", chainID, decoded)
	}

	recordID, err := NewRecordID()
	if err != nil {
		t.Fatalf("NewRecordID failed: %v", err)
	}
	back, err := DecodeRecordID(recordID.String())
	if err != nil {
		t.Fatalf("DecodeRecordID failed: %v", err)
	}
	if back != recordID {
		t.Fatalf("round trip changed the identifier: %s -> %s", recordID, back)
	}
}

func TestIDUniqueness(t *testing.T) {
	seen := make(map[ChainID]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewChainID()
		if err != nil {
			t.Fatalf("NewChainID failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate identifier after %d draws", i)
		}
		seen[id] = true
	}
}

func TestDecodeIDRejectsMalformed(t *testing.T) {
	valid, err := NewChainID()
	if err != nil {
		t.Fatalf("NewChainID failed: %v", err)
	}
	encoded := valid.String()

	cases := []struct {
		name  string
		input string
	}{
		{"Empty", ""},
		{"StandardAlphabetPlus", strings.Replace(encoded, string(encoded[0]), "+", 1)},
		{"StandardAlphabetSlash", strings.Replace(encoded, string(encoded[0]), "/", 1)},
		{"TooShort", encoded[:31]},
		{"TooLong", encoded + "A"},
		{"EmbeddedSpace", encoded[:16] + " " + encoded[17:]},
		{"EmbeddedNewline", encoded[:16] + "\n" + encoded[17:]},
		{"WrongWidth", idEncoding.EncodeToString(make([]byte, 16))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeChainID(tc.input); !errors.Is(err, ErrInvalidEncoding) {
				t.Fatalf("DecodeChainID(%q) = %v, want ErrInvalidEncoding", tc.input, err)
			}
			if _, err := DecodeRecordID(tc.input); !errors.Is(err, ErrInvalidEncoding) {
				t.Fatalf("DecodeRecordID(%q) = %v, want ErrInvalidEncoding", tc.input, err)
			}
		})
	}
}

// Identifiers travel through JSON in snapshots and exports, so the text
// form must survive marshalling unchanged.
func TestIDJSONRoundTrip(t *testing.T) {
	chainID, err := NewChainID()
	if err != nil {
		t.Fatalf("NewChainID failed: %v", err)
	}

	data, err := json.Marshal(chainID)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"`+chainID.String()+`"` {
		t.Fatalf("marshalled form %s does not match String()", data)
	}

	var decoded ChainID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != chainID {
		t.Fatalf("JSON round trip changed the identifier: %s -> %s", chainID, decoded)
	}

	var bad ChainID
	if err := json.Unmarshal([]byte(`"not-base64!"`), &bad); err == nil {
		t.Fatal("expected unmarshal of malformed identifier to fail")
	}
}
