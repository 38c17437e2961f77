package domain

import "testing"

func TestGlobalKeyLayout(t *testing.T) {
	if got, want := GlobalKey("abc"), "global:{abc}"; got != want {
		t.Fatalf("GlobalKey = %q, want %q", got, want)
	}
	if got, want := GlobalCountKey("abc", "12345"), "global:{abc}12345"; got != want {
		t.Fatalf("GlobalCountKey = %q, want %q", got, want)
	}
	if got, want := GlobalLockKey("abc"), "global:{abc}:lock"; got != want {
		t.Fatalf("GlobalLockKey = %q, want %q", got, want)
	}
}

func TestRouteKeyLayout(t *testing.T) {
	if got, want := RouteKey("abc", "users/@me"), "{abc}-route:users/@me"; got != want {
		t.Fatalf("RouteKey = %q, want %q", got, want)
	}
	if got, want := RouteCountKey("abc", "R"), "{abc}-route:R:count"; got != want {
		t.Fatalf("RouteCountKey = %q, want %q", got, want)
	}
	if got, want := RouteResetAfterKey("abc", "R"), "{abc}-route:R:reset_after"; got != want {
		t.Fatalf("RouteResetAfterKey = %q, want %q", got, want)
	}
	if got, want := RouteLockKey("abc", "R"), "{abc}-route:R:lock"; got != want {
		t.Fatalf("RouteLockKey = %q, want %q", got, want)
	}
}
