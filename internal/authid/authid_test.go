package authid

import (
	"encoding/base64"
	"testing"
)

func TestExtractMissing(t *testing.T) {
	id := Extract("")
	if id.Present {
		t.Fatalf("empty header should not be Present")
	}
}

func TestExtractMalformedScheme(t *testing.T) {
	id := Extract("Basic abc123")
	if !id.Present || id.Valid {
		t.Fatalf("non Bot/Bearer scheme should be Present but invalid, got %+v", id)
	}
}

func TestExtractBotToken(t *testing.T) {
	snowflake := base64.RawURLEncoding.EncodeToString([]byte("123456789012345678"))
	id := Extract("Bot " + snowflake + ".abcdef.ghijkl")
	if !id.Present || !id.Valid {
		t.Fatalf("well-formed bot token should parse, got %+v", id)
	}
	if id.ID != "123456789012345678" {
		t.Fatalf("ID = %q, want the decoded snowflake", id.ID)
	}
}

func TestExtractBearerToken(t *testing.T) {
	snowflake := base64.RawURLEncoding.EncodeToString([]byte("987654321098765432"))
	id := Extract("Bearer " + snowflake + ".x.y")
	if !id.Valid || id.ID != "987654321098765432" {
		t.Fatalf("bearer token should decode the same way as bot, got %+v", id)
	}
}
